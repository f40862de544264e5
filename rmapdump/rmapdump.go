// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmapdump prints a reverse-mapping tree from a starting
// block downward, level by level, the way a disk-format debugger's
// btree dumper does: walk right along one level's sibling chain
// before descending, using the leftmost child pointer to go down.
package rmapdump

import (
	"context"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"

	"github.com/pcacjr/xfsprogs/rmapbt"
	"github.com/pcacjr/xfsprogs/rmapio"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

// longSpew is the spew.ConfigState used by Options.LongFormat: full
// struct field names and values, without the pointer addresses that
// would make output non-reproducible across runs.
var longSpew = &spew.ConfigState{DisableMethods: true, DisablePointerAddresses: true, DisableCapacities: true}

// BlockReader is the read-only subset of rmapbtree.Ops the dumper
// needs: it only ever walks existing blocks, never writes or
// allocates.
type BlockReader interface {
	ReadBlock(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) (*rmapbt.Node, error)
}

// Options controls how much of the tree Dump prints.
type Options struct {
	// ShowInternal prints internal node levels in addition to the
	// leaves; without it only leaf records are shown.
	ShowInternal bool
	// LongFormat prints each record/key-pointer as a multi-line
	// spew dump of its struct fields instead of the terse one line
	// per record or key/pointer.
	LongFormat bool
}

// Dump walks the tree rooted at root (at the given height) and writes
// its contents to out. It descends via the leftmost child at each
// internal level and, within a level, walks right-sibling links until
// it returns to its starting block or stops advancing — the same
// cycle guard a corrupt or self-referential tree needs to terminate
// on safely.
func Dump(ctx context.Context, out io.Writer, r BlockReader, ag rmapio.AgNumber, root rmapprim.AgBlock, height uint8, opts Options) error {
	if height == 0 || root == rmapprim.NullAgBlock {
		fmt.Fprintf(out, "ag %d: empty tree\n", ag)
		return nil
	}

	bno := root
	for level := int(height) - 1; level >= 0; level-- {
		node, err := r.ReadBlock(ctx, ag, bno)
		if err != nil {
			return fmt.Errorf("rmapdump: level %d block %d: %w", level, bno, err)
		}

		if level == 0 || opts.ShowInternal {
			if err := dumpLevel(ctx, out, r, ag, bno, opts); err != nil {
				return err
			}
		}

		if level == 0 {
			break
		}
		if len(node.KeyPtrs) == 0 {
			return fmt.Errorf("rmapdump: internal block %d has no key/pointers to descend into", bno)
		}
		bno = node.KeyPtrs[0].Ptr
	}
	return nil
}

// dumpLevel prints every block in the right-sibling chain starting at
// bno, stopping when the chain returns to its own start or to the
// block it just printed (a cycle) rather than looping forever.
func dumpLevel(ctx context.Context, out io.Writer, r BlockReader, ag rmapio.AgNumber, bno rmapprim.AgBlock, opts Options) error {
	origBno := bno
	var lastBno rmapprim.AgBlock
	nr := 1

	for {
		node, err := r.ReadBlock(ctx, ag, bno)
		if err != nil {
			return fmt.Errorf("rmapdump: block %d: %w", bno, err)
		}
		lastBno = bno

		fmt.Fprintf(out, "ag %d level %d block %d entry %d\n", ag, node.Header.Level, bno, nr)
		if node.IsLeaf() {
			for _, rec := range node.Records {
				if opts.LongFormat {
					longSpew.Fdump(out, rec)
				} else {
					fmt.Fprintf(out, "  %v\n", rec)
				}
			}
		} else {
			for _, kp := range node.KeyPtrs {
				if opts.LongFormat {
					longSpew.Fdump(out, kp)
				} else {
					fmt.Fprintf(out, "  [%d]->%d\n", kp.Key.Startblock, kp.Ptr)
				}
			}
		}

		if node.Header.RightSib == rmapprim.NullAgBlock {
			return nil
		}
		bno = node.Header.RightSib
		nr++
		if bno == origBno || bno == lastBno {
			fmt.Fprintf(out, "ag %d level %d: sibling chain cycles back to block %d, stopping\n", ag, node.Header.Level, bno)
			return nil
		}
	}
}
