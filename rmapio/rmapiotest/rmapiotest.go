// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmapiotest provides in-memory fakes for rmapio's
// collaborator interfaces, for use by this module's own tests only.
// Production code must supply real implementations backed by the
// filesystem's actual buffer cache, freelist, and journal.
package rmapiotest

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/pcacjr/xfsprogs/rmapio"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

type blockKey struct {
	AG  rmapio.AgNumber
	Bno rmapprim.AgBlock
}

// readCache is a bounded cache of block contents keyed by (AG, block),
// backed by golang-lru's adaptive replacement (ARC) cache. A Read that
// hits it is served without consulting the arena and counted in
// BlockIO.CacheHits. Write refreshes the cached entry; Seed writes to
// the arena only and leaves the cache untouched.
type readCache struct {
	initOnce sync.Once
	inner    *lru.ARCCache
	size     int
}

func newReadCache(size int) *readCache {
	return &readCache{size: size}
}

func (c *readCache) init() {
	c.initOnce.Do(func() {
		c.inner, _ = lru.NewARC(c.size)
	})
}

func (c *readCache) get(k blockKey) ([]byte, bool) {
	c.init()
	v, ok := c.inner.Get(k)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *readCache) add(k blockKey, v []byte) {
	c.init()
	c.inner.Add(k, v)
}

// BlockIO is an in-memory implementation of rmapio.BlockIO backed by a
// byte arena. It returns an error only when told to via
// FailNextRead/FailNextWrite or when asked to Read a block that was
// never seeded or written, and it never validates checksums itself — that is
// rmapverify's job, exercised against whatever bytes the test put in
// the arena.
type BlockIO struct {
	mu        sync.Mutex
	blockSize uint32
	arena     map[blockKey][]byte
	cache     *readCache

	failReads  map[blockKey]error
	failWrites map[blockKey]error

	ReadCount  int
	CacheHits  int
	WriteCount int
}

// NewBlockIO returns a BlockIO with the given block size and an
// optional bounded read cache of cacheSize entries (0 disables the
// cache; every Read then serves directly from the arena).
func NewBlockIO(blockSize uint32, cacheSize int) *BlockIO {
	b := &BlockIO{
		blockSize:  blockSize,
		arena:      make(map[blockKey][]byte),
		failReads:  make(map[blockKey]error),
		failWrites: make(map[blockKey]error),
	}
	if cacheSize > 0 {
		b.cache = newReadCache(cacheSize)
	}
	return b
}

func (b *BlockIO) BlockSize() uint32 { return b.blockSize }

// Seed places raw block contents into the arena directly, bypassing
// Write, so a test can set up a tree without going through the
// production insert/delete path.
func (b *BlockIO) Seed(ag rmapio.AgNumber, bno rmapprim.AgBlock, buf []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.arena[blockKey{ag, bno}] = cp
}

// FailNextRead arranges for the next Read of (ag, bno) to return err
// instead of the block's contents.
func (b *BlockIO) FailNextRead(ag rmapio.AgNumber, bno rmapprim.AgBlock, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReads[blockKey{ag, bno}] = err
}

// FailNextWrite arranges for the next Write of (ag, bno) to return
// err instead of storing the block.
func (b *BlockIO) FailNextWrite(ag rmapio.AgNumber, bno rmapprim.AgBlock, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrites[blockKey{ag, bno}] = err
}

func (b *BlockIO) Read(_ context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := blockKey{ag, bno}
	b.ReadCount++

	if err, ok := b.failReads[key]; ok {
		delete(b.failReads, key)
		return nil, err
	}

	if b.cache != nil {
		if v, ok := b.cache.get(key); ok {
			b.CacheHits++
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		}
	}

	buf, ok := b.arena[key]
	if !ok {
		return nil, fmt.Errorf("rmapiotest: no block at ag=%d bno=%d", ag, bno)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	if b.cache != nil {
		b.cache.add(key, buf)
	}
	return out, nil
}

func (b *BlockIO) Write(_ context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := blockKey{ag, bno}
	b.WriteCount++

	if err, ok := b.failWrites[key]; ok {
		delete(b.failWrites, key)
		return err
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.arena[key] = cp
	if b.cache != nil {
		b.cache.add(key, cp)
	}
	return nil
}

// FreelistAllocator is an in-memory implementation of
// rmapio.FreelistAllocator backed by a per-AG queue of free blocks.
type FreelistAllocator struct {
	mu   sync.Mutex
	free map[rmapio.AgNumber][]rmapprim.AgBlock
}

// NewFreelistAllocator returns a FreelistAllocator seeded with the
// given free blocks for each AG.
func NewFreelistAllocator(seed map[rmapio.AgNumber][]rmapprim.AgBlock) *FreelistAllocator {
	f := &FreelistAllocator{free: make(map[rmapio.AgNumber][]rmapprim.AgBlock)}
	for ag, blocks := range seed {
		cp := make([]rmapprim.AgBlock, len(blocks))
		copy(cp, blocks)
		f.free[ag] = cp
	}
	return f
}

func (f *FreelistAllocator) Get(_ context.Context, ag rmapio.AgNumber) (rmapprim.AgBlock, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.free[ag]
	if len(q) == 0 {
		return 0, false, nil
	}
	bno := q[0]
	f.free[ag] = q[1:]
	return bno, true, nil
}

func (f *FreelistAllocator) Put(_ context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free[ag] = append(f.free[ag], bno)
	return nil
}

// Remaining reports how many free blocks ag has left, for test
// assertions.
func (f *FreelistAllocator) Remaining(ag rmapio.AgNumber) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free[ag])
}

// LoggedBlock records one Transaction.Log call.
type LoggedBlock struct {
	AG  rmapio.AgNumber
	Bno rmapprim.AgBlock
}

// LoggedAgf records one Transaction.LogAgf call.
type LoggedAgf struct {
	AG     rmapio.AgNumber
	Fields rmapio.AgfFieldMask
}

// Transaction is an in-memory rmapio.Transaction that just records
// every call it receives, for test assertions about what a mutation
// logged.
type Transaction struct {
	mu     sync.Mutex
	Blocks []LoggedBlock
	Agf    []LoggedAgf
}

func NewTransaction() *Transaction { return &Transaction{} }

func (t *Transaction) Log(_ context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Blocks = append(t.Blocks, LoggedBlock{ag, bno})
	return nil
}

func (t *Transaction) LogAgf(_ context.Context, ag rmapio.AgNumber, fields rmapio.AgfFieldMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Agf = append(t.Agf, LoggedAgf{ag, fields})
	return nil
}

// BusyEvent records one BusyExtent call.
type BusyEvent struct {
	Reuse  bool
	AG     rmapio.AgNumber
	Bno    rmapprim.AgBlock
	Length rmapprim.ExtLen
	Flags  uint32
}

// BusyExtent is an in-memory rmapio.BusyExtent that records every
// Insert and Reuse call for test assertions; it performs no actual
// reuse tracking since the rmap core never depends on its side
// effects.
type BusyExtent struct {
	mu     sync.Mutex
	Events []BusyEvent
}

func NewBusyExtent() *BusyExtent { return &BusyExtent{} }

func (b *BusyExtent) Insert(_ context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock, length rmapprim.ExtLen, flags uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, BusyEvent{AG: ag, Bno: bno, Length: length, Flags: flags})
	return nil
}

func (b *BusyExtent) Reuse(_ context.Context, ag rmapio.AgNumber, bno rmapprim.AgBlock, length rmapprim.ExtLen) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, BusyEvent{Reuse: true, AG: ag, Bno: bno, Length: length})
	return nil
}

var (
	_ rmapio.BlockIO          = (*BlockIO)(nil)
	_ rmapio.FreelistAllocator = (*FreelistAllocator)(nil)
	_ rmapio.Transaction      = (*Transaction)(nil)
	_ rmapio.BusyExtent       = (*BusyExtent)(nil)
)
