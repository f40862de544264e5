// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmapverify runs the ordered structural checks every rmap
// btree block must pass, on both the read and the write path, before
// the rest of the tree is allowed to trust or commit its contents.
package rmapverify

import (
	"fmt"

	"github.com/datawire/dlib/derror"

	"github.com/pcacjr/xfsprogs/rmapbt"
	"github.com/pcacjr/xfsprogs/rmaperr"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

// Mode selects which half of the ordered check list applies: the read
// path checks the stored CRC, the write path is about to recompute
// and stamp a fresh one.
type Mode int

const (
	ForRead Mode = iota
	ForWrite
)

// Expectations carries everything about the surrounding filesystem
// that a block's own header must agree with. The zero value is not
// meaningful; callers must fill in every field.
type Expectations struct {
	// FeatureEnabled is the filesystem's has_rmapbt bit. If false,
	// Verify returns rmaperr.FeatureDisabled() without looking at
	// buf at all.
	FeatureEnabled bool

	// UUID is the filesystem's UUID; it must match the block's
	// stored UUID.
	UUID [16]byte

	// ActualBlkno is the AG-relative block address buf was read
	// from (ForRead) or is about to be written to (ForWrite).
	ActualBlkno uint64

	// AGNumber is the allocation group this block belongs to.
	AGNumber uint32

	// AGInitialized reports whether per-AG rmap metadata (the AGF
	// levels field) has been brought up; until it has, a looser
	// level bound applies.
	AGInitialized bool

	// RmapLevels is the current height of the rmap tree in this
	// AG. Only meaningful when AGInitialized is true.
	RmapLevels uint8

	Geometry rmapbt.Geometry
}

// Verify runs the six ordered checks against buf and, if they all
// pass, returns the decoded node. The checks run in the order spec'd:
// a block that fails check 2 is reported as a check-2 failure even if
// it would also fail check 5.
func Verify(mode Mode, buf []byte, exp Expectations) (*rmapbt.Node, error) {
	if !exp.FeatureEnabled {
		return nil, rmaperr.FeatureDisabled()
	}

	block := uint32(exp.ActualBlkno)

	// Check 1: magic and (already confirmed) feature bit.
	if !rmapbt.MagicOK(buf) {
		return nil, rmaperr.Corrupted(block, "bad magic number")
	}

	node, err := rmapbt.Unmarshal(buf)
	if err != nil {
		return nil, rmaperr.Corrupted(block, err.Error())
	}

	// Check 2: filesystem UUID and self-addressing.
	if node.Header.UUID != exp.UUID {
		return nil, rmaperr.Corrupted(block, "filesystem UUID mismatch")
	}
	if node.Header.Blkno != exp.ActualBlkno {
		return nil, rmaperr.Corrupted(block, fmt.Sprintf("self-address %d does not match actual address %d", node.Header.Blkno, exp.ActualBlkno))
	}

	// Check 3: owner and level bound.
	if node.Header.OwnerAG != exp.AGNumber {
		return nil, rmaperr.Corrupted(block, fmt.Sprintf("owner AG %d does not match expected AG %d", node.Header.OwnerAG, exp.AGNumber))
	}
	if exp.AGInitialized {
		if node.Header.Level >= exp.RmapLevels {
			return nil, rmaperr.Corrupted(block, fmt.Sprintf("level %d is not below tree height %d", node.Header.Level, exp.RmapLevels))
		}
	} else if node.Header.Level >= exp.Geometry.MaxLevels {
		return nil, rmaperr.Corrupted(block, fmt.Sprintf("level %d is not below AG max levels %d", node.Header.Level, exp.Geometry.MaxLevels))
	}

	// Check 4: record count bound.
	if int(node.Header.NumRecs) > exp.Geometry.MaxRecs(node.Header.Level) {
		return nil, rmaperr.Corrupted(block, fmt.Sprintf("numrecs %d exceeds capacity %d", node.Header.NumRecs, exp.Geometry.MaxRecs(node.Header.Level)))
	}

	// Check 5: sibling pointer range.
	if err := checkSibling(node.Header.LeftSib, exp.Geometry); err != nil {
		return nil, rmaperr.Corrupted(block, "left sibling: "+err.Error())
	}
	if err := checkSibling(node.Header.RightSib, exp.Geometry); err != nil {
		return nil, rmaperr.Corrupted(block, "right sibling: "+err.Error())
	}

	// Check 6: CRC, read side only; the write side recomputes and
	// stamps it afresh in rmapbt.Marshal.
	if mode == ForRead {
		want := rmapbt.CalculateCRC(buf)
		if node.Header.CRC != want {
			return nil, rmaperr.BadCRC(block, fmt.Sprintf("stored CRC %#x does not match computed %#x", node.Header.CRC, want))
		}
	}

	return node, nil
}

func checkSibling(sib rmapprim.AgBlock, g rmapbt.Geometry) error {
	if sib == rmapprim.NullAgBlock {
		return nil
	}
	if sib >= g.AGBlocks {
		return fmt.Errorf("block %d is not < AG size %d", sib, g.AGBlocks)
	}
	return nil
}

// VerifyAll is a convenience for validating several independent
// blocks (e.g. every level of a freshly loaded path) and collapsing
// their errors into one, for callers that want to report every
// problem a corrupt tree has rather than stopping at the first.
func VerifyAll(mode Mode, bufs [][]byte, exps []Expectations) ([]*rmapbt.Node, error) {
	if len(bufs) != len(exps) {
		panic("rmapverify: VerifyAll: bufs and exps must be the same length")
	}
	nodes := make([]*rmapbt.Node, len(bufs))
	var errs derror.MultiError
	for i := range bufs {
		n, err := Verify(mode, bufs[i], exps[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nodes[i] = n
	}
	if len(errs) > 0 {
		return nodes, errs
	}
	return nodes, nil
}
