// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rmapops

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/pcacjr/xfsprogs/rmapbtree"
	"github.com/pcacjr/xfsprogs/rmaperr"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

// FreeCase records which of the four shapes Free took, so tests can
// assert on the classification directly instead of only on the
// resulting record set.
type FreeCase int

const (
	FreeCaseExact FreeCase = iota
	FreeCaseLeftEdge
	FreeCaseRightEdge
	FreeCaseMiddle
)

// classifyFree decides which of the four shapes freeing [bno,
// bno+length) out of the covering record lt takes. It is pulled out
// of Free as its own function so tests can assert on the
// classification directly instead of only on the resulting record
// set.
func classifyFree(lt rmapprim.Record, bno rmapprim.AgBlock, length rmapprim.ExtLen) FreeCase {
	freedEnd := bno + rmapprim.AgBlock(length)
	switch {
	case lt.Startblock == bno && lt.Blockcount == length:
		return FreeCaseExact
	case lt.Startblock == bno:
		return FreeCaseLeftEdge
	case lt.End() == freedEnd:
		return FreeCaseRightEdge
	default:
		return FreeCaseMiddle
	}
}

func (c FreeCase) String() string {
	switch c {
	case FreeCaseExact:
		return "exact"
	case FreeCaseLeftEdge:
		return "left-edge"
	case FreeCaseRightEdge:
		return "right-edge"
	case FreeCaseMiddle:
		return "middle"
	default:
		return "unknown"
	}
}

// Free removes the range [bno, bno+length) attributed to owner from
// ag's reverse-mapping tree, splitting the covering record as needed.
// It is a no-op, returning nil, if the rmap feature is disabled.
func (env *Env) Free(ctx context.Context, bno rmapprim.AgBlock, length rmapprim.ExtLen, owner rmapprim.Owner) error {
	ctx = dlog.WithField(ctx, "xfsprogs.rmapops.free", fmt.Sprintf("ag=%d bno=%d len=%d owner=%d", env.AG, bno, length, owner))
	if !env.State.FeatureEnabled {
		dlog.Debug(ctx, "rmap feature disabled, skipping")
		return nil
	}

	cur := env.cursor()
	key := rmapprim.Key{Startblock: bno}
	stat, err := cur.Lookup(ctx, rmapbtree.LE, key)
	if err != nil {
		return err
	}
	if stat != 1 {
		return rmaperr.Corrupted(uint32(bno), "Free: no covering left record (missing AG sentinel?)")
	}

	lt, err := cur.GetRec()
	if err != nil {
		return err
	}

	if owner == rmapprim.OwnNull {
		if bno <= lt.End() {
			return rmaperr.Corrupted(uint32(bno), "Free: growfs range does not lie past the last record")
		}
		return nil
	}

	freedEnd := bno + rmapprim.AgBlock(length)

	if !(lt.Startblock <= bno) {
		return rmaperr.Corrupted(uint32(bno), "Free: left record does not start at or before bno")
	}
	if !(bno <= lt.End()) {
		return rmaperr.Corrupted(uint32(bno), "Free: left record does not reach bno")
	}
	if !(lt.End() >= freedEnd) {
		return rmaperr.Corrupted(uint32(bno), "Free: left record ends before the freed range does")
	}
	if !(owner == lt.Owner || isWildcardOwner(owner, env.RecoveryMode)) {
		return rmaperr.Corrupted(uint32(bno), fmt.Sprintf("Free: owner %v does not match record owner %v", owner, lt.Owner))
	}

	freeCase := classifyFree(lt, bno, length)
	dlog.Debugf(ctx, "free case: %v", freeCase)

	switch freeCase {
	case FreeCaseExact:
		return cur.Delete(ctx)

	case FreeCaseLeftEdge:
		lt.Startblock += rmapprim.AgBlock(length)
		lt.Blockcount -= length
		return cur.Update(ctx, lt)

	case FreeCaseRightEdge:
		lt.Blockcount -= length
		return cur.Update(ctx, lt)

	default: // FreeCaseMiddle
		origEnd := lt.End()
		origOwner := lt.Owner
		lt.Blockcount = rmapprim.ExtLen(bno - lt.Startblock)
		if err := cur.Update(ctx, lt); err != nil {
			return err
		}
		if _, err := cur.Increment(ctx, 0); err != nil {
			return err
		}
		rest := rmapprim.Record{
			Startblock: freedEnd,
			Blockcount: rmapprim.ExtLen(origEnd - freedEnd),
			Owner:      origOwner,
		}
		return cur.Insert(ctx, rest)
	}
}

// AllocCase records which of the four topologies Alloc took.
type AllocCase int

const (
	AllocCaseNeither AllocCase = iota
	AllocCaseLeftContig
	AllocCaseRightContig
	AllocCaseBothContig
)

func (c AllocCase) String() string {
	switch c {
	case AllocCaseNeither:
		return "neither-contiguous"
	case AllocCaseLeftContig:
		return "left-contiguous"
	case AllocCaseRightContig:
		return "right-contiguous"
	case AllocCaseBothContig:
		return "both-contiguous"
	default:
		return "unknown"
	}
}

// Alloc records that [bno, bno+length) is now held by owner in ag's
// reverse-mapping tree, merging with contiguous same-owner neighbors.
// It is a no-op, returning nil, if the rmap feature is disabled.
func (env *Env) Alloc(ctx context.Context, bno rmapprim.AgBlock, length rmapprim.ExtLen, owner rmapprim.Owner) error {
	ctx = dlog.WithField(ctx, "xfsprogs.rmapops.alloc", fmt.Sprintf("ag=%d bno=%d len=%d owner=%d", env.AG, bno, length, owner))
	if !env.State.FeatureEnabled {
		dlog.Debug(ctx, "rmap feature disabled, skipping")
		return nil
	}

	if length > rmapprim.MaxExtLen {
		return rmaperr.Corrupted(uint32(bno), "Alloc: extent length exceeds MaxExtLen")
	}

	cur := env.cursor()
	key := rmapprim.Key{Startblock: bno}
	stat, err := cur.Lookup(ctx, rmapbtree.LE, key)
	if err != nil {
		return err
	}
	if stat != 1 {
		return rmaperr.Corrupted(uint32(bno), "Alloc: no covering left record (missing AG sentinel?)")
	}

	lt, err := cur.GetRec()
	if err != nil {
		return err
	}
	allocEnd := bno + rmapprim.AgBlock(length)
	if lt.End() > bno {
		return rmaperr.Corrupted(uint32(bno), "Alloc: new extent overlaps the preceding record")
	}

	gtStat, err := cur.Increment(ctx, 0)
	if err != nil {
		return err
	}
	var gt rmapprim.Record
	haveGT := gtStat == 1
	if haveGT {
		gt, err = cur.GetRec()
		if err != nil {
			return err
		}
		if allocEnd > gt.Startblock {
			return rmaperr.Corrupted(uint32(bno), "Alloc: new extent overlaps the following record")
		}
	}

	leftContig := lt.Owner == owner && lt.End() == bno
	rightContig := haveGT && gt.Owner == owner && allocEnd == gt.Startblock

	allocCase := classifyAlloc(leftContig, rightContig)
	dlog.Debugf(ctx, "alloc case: %v", allocCase)

	switch allocCase {
	case AllocCaseBothContig:
		// cursor is on GT; absorb it, then step back to LT and
		// extend it over the whole span.
		if err := cur.Delete(ctx); err != nil {
			return err
		}
		if _, err := cur.Decrement(ctx, 0); err != nil {
			return err
		}
		lt.Blockcount += length + gt.Blockcount
		return cur.Update(ctx, lt)

	case AllocCaseLeftContig:
		// Step back to LT and extend it. The cursor only needs
		// moving if Increment actually advanced it onto GT; if
		// there was no right neighbor it never left LT's slot.
		if haveGT {
			if _, err := cur.Decrement(ctx, 0); err != nil {
				return err
			}
		}
		lt.Blockcount += length
		return cur.Update(ctx, lt)

	case AllocCaseRightContig:
		// cursor is already on GT.
		gt.Startblock = bno
		gt.Blockcount += length
		return cur.Update(ctx, gt)

	default: // AllocCaseNeither
		// Insert a standalone record. The cursor is on GT, or
		// still on LT if there is no right neighbor; Insert's key
		// comparison places the new record after LT and before GT
		// either way.
		return cur.Insert(ctx, rmapprim.Record{Startblock: bno, Blockcount: length, Owner: owner})
	}
}

// classifyAlloc decides which of the four topologies an allocation
// takes, given whether it abuts a same-owner record on each side.
func classifyAlloc(leftContig, rightContig bool) AllocCase {
	switch {
	case leftContig && rightContig:
		return AllocCaseBothContig
	case leftContig:
		return AllocCaseLeftContig
	case rightContig:
		return AllocCaseRightContig
	default:
		return AllocCaseNeither
	}
}
