// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binpack_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pcacjr/xfsprogs/internal/binpack"
)

func TestNewWriterOverZeroesStaleContents(t *testing.T) {
	t.Parallel()
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	w := binpack.NewWriterOver(buf)
	w.PutUint16(0, 0x1234)

	got := w.Bytes()
	assert.Equal(t, []byte{0x12, 0x34, 0, 0, 0, 0, 0, 0}, got)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	t.Parallel()
	w := binpack.NewWriter(32)
	w.PutUint16(0, 0xabcd)
	w.PutUint32(2, 0xdeadbeef)
	w.PutUint64(8, 0x1122334455667788)
	w.PutBytes(16, []byte{1, 2, 3, 4})

	r := binpack.NewReader(w.Bytes())
	assert.Equal(t, uint16(0xabcd), r.Uint16(0))
	assert.Equal(t, uint32(0xdeadbeef), r.Uint32(2))
	assert.Equal(t, uint64(0x1122334455667788), r.Uint64(8))
	assert.Equal(t, []byte{1, 2, 3, 4}, r.Bytes(16, 4))
	assert.Equal(t, 32, r.Len())
}
