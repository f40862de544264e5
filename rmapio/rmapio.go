// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmapio describes the external collaborators the
// reverse-mapping btree needs but does not implement itself: the
// block buffer cache, the per-AG free block allocator, the
// transaction a structural change is logged against, and the busy
// extent list. Production code wires these to the real filesystem;
// rmapiotest wires them to in-memory fakes for this module's own
// tests.
package rmapio

import (
	"context"

	"github.com/pcacjr/xfsprogs/rmapprim"
)

// AgNumber identifies an allocation group within the filesystem.
type AgNumber uint32

// BlockIO reads and writes fixed-size btree blocks. Implementations
// are expected to pin the returned buffer for the lifetime of the
// enclosing Transaction; the rmap core never retains a buffer past
// the call that produced it. Checksum and structural verification is
// not BlockIO's job: the rmap core runs rmapverify on every block it
// reads and writes.
type BlockIO interface {
	// BlockSize is the size, in bytes, of every block this BlockIO
	// reads and writes.
	BlockSize() uint32

	// Read returns the raw contents of block bno in ag.
	Read(ctx context.Context, ag AgNumber, bno rmapprim.AgBlock) ([]byte, error)

	// Write stores buf as the contents of block bno in ag. The
	// caller has already stamped buf's CRC.
	Write(ctx context.Context, ag AgNumber, bno rmapprim.AgBlock, buf []byte) error
}

// FreelistAllocator hands out and reclaims single blocks within an
// allocation group for btree growth and shrinkage.
type FreelistAllocator interface {
	// Get removes and returns one free block from ag's freelist.
	// ok is false if the freelist is exhausted.
	Get(ctx context.Context, ag AgNumber) (bno rmapprim.AgBlock, ok bool, err error)

	// Put returns a block the tree no longer needs to ag's
	// freelist.
	Put(ctx context.Context, ag AgNumber, bno rmapprim.AgBlock) error
}

// AgfFieldMask identifies which summary fields of an AG's free space
// header a structural change touched, so a Transaction can log
// exactly those fields atomically with the change, the way
// xfs_alloc_log_agf's flag argument does.
type AgfFieldMask uint32

const (
	// AgfRoots marks that a tree's root block pointer changed.
	AgfRoots AgfFieldMask = 1 << iota
	// AgfLevels marks that a tree's height changed.
	AgfLevels
)

func (m AgfFieldMask) Has(bit AgfFieldMask) bool { return m&bit == bit }

// Transaction is the logging context a structural mutation runs
// under. The rmap core calls Log once per node it dirties and once
// more, with the relevant AgfFieldMask bits, whenever it changes an
// AG's root pointer or tree height; it never calls Commit or Abort
// itself — that is the caller's responsibility once the whole
// operation (not just one btree mutation) has completed.
type Transaction interface {
	// Log records that block bno in ag was modified and must be
	// written out (and, if the filesystem has a journal, logged)
	// before the transaction commits.
	Log(ctx context.Context, ag AgNumber, bno rmapprim.AgBlock) error

	// LogAgf records that the named fields of ag's free space
	// header summary changed and must be logged atomically with
	// the structural mutation that changed them.
	LogAgf(ctx context.Context, ag AgNumber, fields AgfFieldMask) error
}

// BusyExtent tracks recently freed ranges that are not yet safe to
// reuse because the transaction that freed them has not committed.
// It is advisory: the rmap core calls Insert and Reuse around tree
// block churn so the allocator can avoid handing out a block that is
// still referenced by an in-flight transaction, but nothing in the
// rmap core depends on these calls for its own correctness.
type BusyExtent interface {
	// Insert records that [bno, bno+len) in ag was just freed by
	// the current transaction.
	Insert(ctx context.Context, ag AgNumber, bno rmapprim.AgBlock, length rmapprim.ExtLen, flags uint32) error

	// Reuse records that [bno, bno+len) in ag, previously marked
	// busy, is about to be handed back out.
	Reuse(ctx context.Context, ag AgNumber, bno rmapprim.AgBlock, length rmapprim.ExtLen) error
}
