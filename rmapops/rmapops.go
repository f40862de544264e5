// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmapops implements the two mutation algorithms the whole
// rest of this module exists to support: recording that an extent was
// freed (Free) or allocated (Alloc) in an allocation group's
// reverse-mapping tree, merging with contiguous same-owner neighbors
// where the topology allows it.
package rmapops

import (
	"context"
	"fmt"

	"github.com/pcacjr/xfsprogs/rmapbt"
	"github.com/pcacjr/xfsprogs/rmapbtree"
	"github.com/pcacjr/xfsprogs/rmaperr"
	"github.com/pcacjr/xfsprogs/rmapio"
	"github.com/pcacjr/xfsprogs/rmapprim"
	"github.com/pcacjr/xfsprogs/rmapverify"
)

// SkipDiscard is the busy-extent hint attached to blocks the tree
// frees during a merge or root collapse: they came from metadata the
// tree itself just stopped using, so they are safe to hand back out
// immediately without waiting for a discard.
const SkipDiscard uint32 = 1 << 0

// AgState is the mutable per-AG state an Env needs to drive the tree:
// where its root is, how tall it is, and the geometry that root was
// built with. SetRoot (called by rmapbtree on split/merge) updates
// this in place.
type AgState struct {
	UUID           [16]byte
	FeatureEnabled bool
	RootBno        rmapprim.AgBlock
	Levels         uint8
	Geometry       rmapbt.Geometry
}

// Env bundles the external collaborators one rmap tree needs: the
// block cache, the freelist, the transaction the caller is logging
// against, the busy extent list, and the AG's mutable tree state.
//
// RecoveryMode resolves spec.md's open question about the recovery
// wildcard: when true, an owner in [OwnMin, OwnNull) is accepted as
// matching any on-disk owner during Free, the way log recovery must;
// when false (the default for normal runtime operation) only OwnNull
// itself is treated as a wildcard, and metadata owners must match
// exactly.
type Env struct {
	AG           rmapio.AgNumber
	BlockIO      rmapio.BlockIO
	Freelist     rmapio.FreelistAllocator
	Txn          rmapio.Transaction
	Busy         rmapio.BusyExtent
	State        *AgState
	RecoveryMode bool
}

type envOps struct{ env *Env }

func (o envOps) Geometry() rmapbt.Geometry { return o.env.State.Geometry }

func (o envOps) Root(ag rmapio.AgNumber) (rmapprim.AgBlock, uint8) {
	return o.env.State.RootBno, o.env.State.Levels
}

func (o envOps) SetRoot(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock, levels uint8, inc int) error {
	o.env.State.RootBno = bno
	o.env.State.Levels = levels
	return o.env.Txn.LogAgf(ctx, ag, rmapio.AgfRoots|rmapio.AgfLevels)
}

func (o envOps) ReadBlock(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) (*rmapbt.Node, error) {
	buf, err := o.env.BlockIO.Read(ctx, ag, bno)
	if err != nil {
		return nil, rmaperr.IO(uint32(bno), err)
	}
	node, err := rmapverify.Verify(rmapverify.ForRead, buf, o.expectations(uint64(bno)))
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (o envOps) WriteBlock(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock, node *rmapbt.Node) error {
	node.Header.Blkno = uint64(bno)
	node.Header.UUID = o.env.State.UUID
	node.Header.OwnerAG = uint32(ag)

	buf, err := node.Marshal(o.env.State.Geometry)
	if err != nil {
		return fmt.Errorf("rmapops: marshaling block %d: %w", bno, err)
	}
	if _, err := rmapverify.Verify(rmapverify.ForWrite, buf, o.expectations(uint64(bno))); err != nil {
		return err
	}
	if err := o.env.BlockIO.Write(ctx, ag, bno, buf); err != nil {
		return rmaperr.IO(uint32(bno), err)
	}
	// BlockIO.Write has already copied buf into its own backing
	// store; the bytes can go back to the pool for the next Marshal.
	rmapbt.PutBuffer(buf)
	return o.env.Txn.Log(ctx, ag, bno)
}

func (o envOps) expectations(blkno uint64) rmapverify.Expectations {
	return rmapverify.Expectations{
		FeatureEnabled: o.env.State.FeatureEnabled,
		UUID:           o.env.State.UUID,
		ActualBlkno:    blkno,
		AGNumber:       uint32(o.env.AG),
		AGInitialized:  true,
		RmapLevels:     o.env.State.Levels,
		Geometry:       o.env.State.Geometry,
	}
}

func (o envOps) AllocBlock(ctx context.Context, ag rmapio.AgNumber) (rmapprim.AgBlock, bool, error) {
	bno, ok, err := o.env.Freelist.Get(ctx, ag)
	if err != nil || !ok {
		return bno, ok, err
	}
	// The block may still be on the busy list from a prior FreeBlock
	// in the same transaction; tell it the block is being handed
	// back out before the tree writes to it.
	if err := o.env.Busy.Reuse(ctx, ag, bno, 1); err != nil {
		return 0, false, err
	}
	return bno, true, nil
}

func (o envOps) FreeBlock(ctx context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) error {
	if err := o.env.Freelist.Put(ctx, ag, bno); err != nil {
		return err
	}
	return o.env.Busy.Insert(ctx, ag, bno, 1, SkipDiscard)
}

func (o envOps) KeyFromRec(rec rmapprim.Record) rmapprim.Key { return rec.Key() }

func (o envOps) KeyDiff(key rmapprim.Key, rec rmapprim.Record) int { return key.Compare(rec.Key()) }

func (env *Env) cursor() *rmapbtree.Cursor {
	return rmapbtree.NewCursor(envOps{env: env}, env.AG)
}

// Ops exposes env's rmapbtree.Ops implementation, e.g. for
// rmapdump.Dump, which only needs the read side of it.
func (env *Env) Ops() rmapbtree.Ops { return envOps{env: env} }

// Root returns the AG's current root block and tree height, for
// callers like rmapdump.Dump that need to start a walk.
func (env *Env) Root() (rmapprim.AgBlock, uint8) {
	return env.State.RootBno, env.State.Levels
}

// isWildcardOwner reports whether owner should be accepted as
// matching any on-disk owner, per env.RecoveryMode.
func isWildcardOwner(owner rmapprim.Owner, recoveryMode bool) bool {
	if !recoveryMode {
		return false
	}
	return owner >= rmapprim.OwnMin && owner < rmapprim.OwnNull
}
