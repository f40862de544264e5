// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmapbtree is the generic short-form B+ tree core the rmap
// mutation algorithms run on: a cursor that walks a stack of
// (block, slot) pairs from root to leaf, and the lookup/insert/delete
// operations that keep the tree's split and merge invariants.
//
// It is parameterized over its collaborators through the Ops
// interface rather than over its key/record types: this format only
// ever stores rmapprim.Record, so there is no payoff in making the
// tree itself generic the way a multi-format library would.
package rmapbtree

import (
	"context"
	"fmt"

	"github.com/pcacjr/xfsprogs/rmapbt"
	"github.com/pcacjr/xfsprogs/rmaperr"
	"github.com/pcacjr/xfsprogs/rmapio"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

// LookupMode selects how Cursor.Lookup treats a key that has no exact
// match in the tree.
type LookupMode int

const (
	// LE positions on the record with the largest key <= the
	// search key.
	LE LookupMode = iota
	// EQ positions on the record with key == the search key, or
	// fails.
	EQ
	// GE positions on the record with the smallest key >= the
	// search key.
	GE
)

// Ops is the vtable a Cursor needs from its caller: how to read and
// write blocks, how to grow and shrink the tree, and where its root
// lives. Exactly one implementation of this interface exists in this
// module, in rmapops, but it is kept as an interface so tests can
// substitute a smaller fake without standing up a whole AG.
type Ops interface {
	// Geometry returns the block layout parameters for this tree.
	Geometry() rmapbt.Geometry

	// Root returns the current root block and tree height for ag.
	Root(ag rmapio.AgNumber) (bno rmapprim.AgBlock, levels uint8)

	// SetRoot installs a new root block and height for ag. inc is
	// the change in height this call represents: +1 when a new
	// root was created above the old one, -1 when the old root
	// collapsed into its only child, 0 when only the root pointer
	// moved (e.g. the root itself split without changing height,
	// which cannot happen in this format but is accepted for
	// symmetry with the vtable spec.md describes).
	SetRoot(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock, levels uint8, inc int) error

	// ReadBlock reads and verifies the block at (ag, bno).
	ReadBlock(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) (*rmapbt.Node, error)

	// WriteBlock verifies, checksums, and writes node as the
	// contents of (ag, bno), logging it against the current
	// transaction.
	WriteBlock(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock, node *rmapbt.Node) error

	// AllocBlock asks the freelist for one block to extend the
	// tree with. ok is false if the freelist is dry; the caller
	// must translate that into rmaperr.NoSpace.
	AllocBlock(ctx context.Context, ag rmapio.AgNumber) (bno rmapprim.AgBlock, ok bool, err error)

	// FreeBlock returns a block the tree no longer needs to the
	// freelist, with a SKIP_DISCARD busy-extent hint so it can be
	// reused quickly.
	FreeBlock(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) error

	// KeyFromRec extracts the separator key for a leaf record.
	KeyFromRec(rec rmapprim.Record) rmapprim.Key

	// KeyDiff orders a search key against a record's key the way
	// Key.Compare does, exposed on the vtable so callers that
	// embed Ops for a different key/record pairing could override
	// the comparison; the rmap Ops just delegates to Key.Compare.
	KeyDiff(key rmapprim.Key, rec rmapprim.Record) int
}

// level holds one (block, slot) pair of the cursor stack. Index 0 in
// Cursor.levels is always the leaf; the last entry is the root.
type level struct {
	bno  rmapprim.AgBlock
	node *rmapbt.Node
	slot int
}

// Cursor is a position in the tree: one (block, slot) pair per level,
// from leaf (index 0) to root (index len-1).
type Cursor struct {
	ops    Ops
	ag     rmapio.AgNumber
	levels []level

	saved []level // Push/Pop stash
}

// NewCursor returns a cursor over ag's tree, not yet positioned
// anywhere; call Lookup before using GetRec/Update/Insert/Delete.
func NewCursor(ops Ops, ag rmapio.AgNumber) *Cursor {
	return &Cursor{ops: ops, ag: ag}
}

// DupCursor returns an independent copy of c positioned at the same
// place; mutating the copy does not move c.
func (c *Cursor) DupCursor() *Cursor {
	dup := &Cursor{ops: c.ops, ag: c.ag, levels: make([]level, len(c.levels))}
	copy(dup.levels, c.levels)
	return dup
}

// Push saves the cursor's current stack so it can be restored with
// Pop after the cursor is moved elsewhere. Pushes do not nest; a
// second Push overwrites the first save.
func (c *Cursor) Push() {
	c.saved = make([]level, len(c.levels))
	copy(c.saved, c.levels)
}

// Pop restores the stack saved by the most recent Push.
func (c *Cursor) Pop() {
	c.levels = make([]level, len(c.saved))
	copy(c.levels, c.saved)
}

func (c *Cursor) leaf() *level {
	if len(c.levels) == 0 {
		return nil
	}
	return &c.levels[0]
}

// Lookup walks from the root following KeyDiff and positions the
// cursor on the record mode selects relative to key. stat is 1 if a
// qualifying record was found, 0 if the cursor is positioned at an
// insertion point instead (LE/GE with nothing on that side, or a
// failed EQ).
func (c *Cursor) Lookup(ctx context.Context, mode LookupMode, key rmapprim.Key) (stat int, err error) {
	root, height := c.ops.Root(c.ag)
	if height == 0 || root == rmapprim.NullAgBlock {
		c.levels = nil
		return 0, nil
	}

	levels := make([]level, height)
	bno := root
	for depth := int(height) - 1; depth >= 0; depth-- {
		node, err := c.ops.ReadBlock(ctx, c.ag, bno)
		if err != nil {
			return 0, err
		}
		if int(node.Header.Level) != depth {
			return 0, rmaperr.Corrupted(uint32(bno), fmt.Sprintf("block claims level %d at tree depth %d", node.Header.Level, depth))
		}

		if depth == 0 {
			slot, found := leafSearch(node.Records, key, mode)
			levels[0] = level{bno: bno, node: node, slot: slot}
			c.levels = levels
			if found {
				return 1, nil
			}
			return 0, nil
		}

		slot := internalSearch(node.KeyPtrs, key)
		levels[depth] = level{bno: bno, node: node, slot: slot}
		bno = node.KeyPtrs[slot].Ptr
	}
	// Unreachable: the depth==0 branch above always returns.
	return 0, nil
}

// leafSearch finds the slot mode wants among a sorted leaf's records.
// found reports whether that slot actually satisfies mode (as opposed
// to being merely the nearest insertion point).
func leafSearch(recs []rmapprim.Record, key rmapprim.Key, mode LookupMode) (slot int, found bool) {
	// lo is the first index whose key is >= key (standard binary
	// search lower-bound).
	lo, hi := 0, len(recs)
	for lo < hi {
		mid := (lo + hi) / 2
		if recs[mid].Key().Compare(key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	switch mode {
	case EQ:
		if lo < len(recs) && recs[lo].Key().Compare(key) == 0 {
			return lo, true
		}
		return lo, false
	case GE:
		if lo < len(recs) {
			return lo, true
		}
		return lo, false
	case LE:
		if lo < len(recs) && recs[lo].Key().Compare(key) == 0 {
			return lo, true
		}
		if lo == 0 {
			return 0, false
		}
		return lo - 1, true
	default:
		panic("rmapbtree: unknown LookupMode")
	}
}

// internalSearch finds the child pointer to descend into for key: the
// last key/pointer slot whose key is <= key, or slot 0 if key is
// smaller than everything in the node (the leftmost child still
// covers the range below the node's own separator, exactly as an
// internal node's first key need not be a tight lower bound).
func internalSearch(kps []rmapbt.KeyPointer, key rmapprim.Key) int {
	lo, hi := 0, len(kps)
	for lo < hi {
		mid := (lo + hi) / 2
		if kps[mid].Key.Compare(key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0
	}
	return lo - 1
}

// GetRec returns the record at the cursor's current leaf position.
func (c *Cursor) GetRec() (rmapprim.Record, error) {
	lf := c.leaf()
	if lf == nil || lf.slot < 0 || lf.slot >= len(lf.node.Records) {
		return rmapprim.Record{}, fmt.Errorf("rmapbtree: cursor is not positioned on a record")
	}
	return lf.node.Records[lf.slot], nil
}
