// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bufpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pcacjr/xfsprogs/internal/bufpool"
)

func TestGetZeroSizeReturnsNil(t *testing.T) {
	t.Parallel()
	var p bufpool.SlicePool[byte]
	assert.Nil(t, p.Get(0))
}

func TestPutNilIsNoop(t *testing.T) {
	t.Parallel()
	var p bufpool.SlicePool[byte]
	p.Put(nil) // must not panic
	got := p.Get(8)
	assert.Len(t, got, 8)
}

func TestGetAfterPutStillReturnsRightSizedSlice(t *testing.T) {
	t.Parallel()
	var p bufpool.SlicePool[byte]

	a := p.Get(16)
	p.Put(a)

	// Whether the pool actually reuses a's backing array is an
	// implementation detail of typedsync.Pool (it may or may not,
	// same as sync.Pool); only the returned length is a contract.
	b := p.Get(16)
	assert.Len(t, b, 16)
}

func TestGetAllocatesFreshWhenTooSmall(t *testing.T) {
	t.Parallel()
	var p bufpool.SlicePool[byte]

	small := p.Get(4)
	p.Put(small)

	big := p.Get(64)
	assert.Len(t, big, 64)
}
