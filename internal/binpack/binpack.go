// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package binpack encodes and decodes the fixed-offset, big-endian block
// layouts used by the on-disk rmap btree.
//
// It is deliberately narrower than a general-purpose reflection-based
// marshaler: every field in this format lives at a byte offset the
// caller already knows from the on-disk layout table, so binpack is
// just a disciplined way of writing/reading big-endian integers and
// byte arrays at those offsets without scattering magic numbers across
// the codec.
package binpack

import "encoding/binary"

// Writer writes big-endian fields at caller-given offsets into a
// fixed-size buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer over a zeroed buffer of size n.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, n)}
}

// NewWriterOver returns a Writer over buf, a buffer the caller owns
// (e.g. one fetched from a pool), zeroing it first so stale contents
// from a previous use don't leak into fields this encoding never
// touches.
func NewWriterOver(buf []byte) *Writer {
	for i := range buf {
		buf[i] = 0
	}
	return &Writer{buf: buf}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutUint16(off int, v uint16) {
	binary.BigEndian.PutUint16(w.buf[off:], v)
}

func (w *Writer) PutUint32(off int, v uint32) {
	binary.BigEndian.PutUint32(w.buf[off:], v)
}

func (w *Writer) PutUint64(off int, v uint64) {
	binary.BigEndian.PutUint64(w.buf[off:], v)
}

func (w *Writer) PutBytes(off int, v []byte) {
	copy(w.buf[off:off+len(v)], v)
}

// Reader reads big-endian fields out of an existing buffer.
type Reader struct {
	buf []byte
}

// NewReader wraps buf for reading. buf is not copied; the caller must
// not mutate it while the Reader is in use.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Len() int { return len(r.buf) }

func (r *Reader) Uint16(off int) uint16 {
	return binary.BigEndian.Uint16(r.buf[off:])
}

func (r *Reader) Uint32(off int) uint32 {
	return binary.BigEndian.Uint32(r.buf[off:])
}

func (r *Reader) Uint64(off int) uint64 {
	return binary.BigEndian.Uint64(r.buf[off:])
}

func (r *Reader) Bytes(off, n int) []byte {
	out := make([]byte, n)
	copy(out, r.buf[off:off+n])
	return out
}
