// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bufpool pools the fixed-size byte buffers Marshal produces
// for block I/O, so a hot rmap tree doing many small mutations does
// not allocate and immediately discard one block-sized slice per
// Marshal/Write pair.
package bufpool

import (
	"git.lukeshu.com/go/typedsync"
)

// SlicePool recycles slices of T by capacity: Get returns a
// previously Put slice if one is big enough, otherwise allocates a
// fresh one.
type SlicePool[T any] struct {
	inner typedsync.Pool[[]T]
}

func (p *SlicePool[T]) Get(size int) []T {
	if size == 0 {
		return nil
	}
	ret, ok := p.inner.Get()
	if ok && cap(ret) >= size {
		ret = ret[:size]
	} else {
		ret = make([]T, size)
	}
	return ret
}

func (p *SlicePool[T]) Put(slice []T) {
	if slice == nil {
		return
	}
	p.inner.Put(slice)
}
