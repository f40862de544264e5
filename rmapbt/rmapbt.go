// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmapbt is the on-disk codec for reverse-mapping btree blocks:
// the fixed-offset header, the leaf record slots, and the internal
// key/pointer slots, plus the block-size-dependent capacity math the
// rest of the tree needs to know how full a node is allowed to get.
package rmapbt

import (
	"fmt"
	"hash/crc32"

	"github.com/pcacjr/xfsprogs/internal/binpack"
	"github.com/pcacjr/xfsprogs/internal/bufpool"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

// blockBufs pools the byte buffers Marshal produces, keyed only by
// size (in practice every block in one AG shares a single geometry,
// so the pool settles on reusing one capacity class).
var blockBufs bufpool.SlicePool[byte]

// PutBuffer returns a buffer previously returned by Marshal to the
// pool, for reuse by a later Marshal call. Callers that are done with
// the bytes (e.g. after handing them to a BlockIO, which copies them)
// may call this to cut down on allocation churn; it is never required
// for correctness.
func PutBuffer(buf []byte) { blockBufs.Put(buf) }

// Magic identifies a reverse-mapping btree block.
var Magic = [4]byte{'R', 'M', 'B', '3'}

// HeaderSize is the size, in bytes, of the fixed block header that
// precedes every node's body.
const HeaderSize = 56

// RecSize is the size, in bytes, of one leaf record slot.
const RecSize = 16

// PtrSize is the size, in bytes, of one internal key+pointer slot.
const PtrSize = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the 56-byte fixed header every rmap btree block starts
// with. Field offsets are part of the on-disk format and must not be
// reordered.
type Header struct {
	Level     uint8  // off=4, but stored as part of a uint16 with pad
	NumRecs   uint16 // off=6
	LeftSib   rmapprim.AgBlock
	RightSib  rmapprim.AgBlock
	Blkno     uint64 // off=16: this block's own address, for self-addr checks
	LSN       uint64 // off=24: log sequence number of last write
	UUID      [16]byte
	OwnerAG   uint32 // off=48: the AG number this block belongs to
	CRC       uint32 // off=52
}

// KeyPointer is one slot of an internal node: the smallest key in the
// subtree Ptr points at.
type KeyPointer struct {
	Key rmapprim.Key
	Ptr rmapprim.AgBlock
}

// Node is a decoded btree block: the header plus exactly one of
// Records (Header.Level == 0) or KeyPtrs (Header.Level > 0).
type Node struct {
	Header  Header
	Records []rmapprim.Record
	KeyPtrs []KeyPointer
}

// IsLeaf reports whether the node is a leaf (holds Records).
func (n *Node) IsLeaf() bool { return n.Header.Level == 0 }

// Geometry describes the parameters that determine a block's layout
// and how full a node at a given level is allowed to get. It is
// derived once per allocation group from the filesystem's block size.
type Geometry struct {
	BlockSize uint32 // bytes per btree block
	AGBlocks  rmapprim.AgBlock // number of blocks in this AG, for sibling-pointer range checks
	MaxLevels uint8  // tallest a tree in this AG is permitted to grow
}

// NewGeometry validates and constructs a Geometry. blockSize must be a
// power of two large enough to hold a header and at least four leaf
// records, matching the filesystem's own minimum block size floor.
func NewGeometry(blockSize uint32, agBlocks rmapprim.AgBlock, maxLevels uint8) (Geometry, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return Geometry{}, fmt.Errorf("rmapbt: block size %d is not a power of two", blockSize)
	}
	g := Geometry{BlockSize: blockSize, AGBlocks: agBlocks, MaxLevels: maxLevels}
	if g.MaxRecs(0) < 4 {
		return Geometry{}, fmt.Errorf("rmapbt: block size %d too small to hold a usable leaf", blockSize)
	}
	return g, nil
}

// MaxRecs returns the maximum number of records (level 0) or
// key/pointer pairs (level > 0) a node at the given level can hold.
func (g Geometry) MaxRecs(level uint8) int {
	body := int(g.BlockSize) - HeaderSize
	if level == 0 {
		return body / RecSize
	}
	return body / PtrSize
}

// MinRecs returns the minimum occupancy a non-root node at the given
// level must maintain; the root is exempt (spec's invariant I3).
func (g Geometry) MinRecs(level uint8) int {
	return g.MaxRecs(level) / 2
}

// Marshal encodes the node into a zeroed buffer of exactly
// g.BlockSize bytes taken from the package's buffer pool (see
// PutBuffer), recomputing the CRC last so the checksum covers
// everything else that was written.
func (n *Node) Marshal(g Geometry) ([]byte, error) {
	if n.IsLeaf() && len(n.Records) > g.MaxRecs(0) {
		return nil, fmt.Errorf("rmapbt: %d records exceeds capacity %d", len(n.Records), g.MaxRecs(0))
	}
	if !n.IsLeaf() && len(n.KeyPtrs) > g.MaxRecs(n.Header.Level) {
		return nil, fmt.Errorf("rmapbt: %d key/pointers exceeds capacity %d", len(n.KeyPtrs), g.MaxRecs(n.Header.Level))
	}

	w := binpack.NewWriterOver(blockBufs.Get(int(g.BlockSize)))
	w.PutBytes(0, Magic[:])
	w.PutUint16(4, uint16(n.Header.Level))
	w.PutUint16(6, n.Header.NumRecs)
	w.PutUint32(8, uint32(n.Header.LeftSib))
	w.PutUint32(12, uint32(n.Header.RightSib))
	w.PutUint64(16, n.Header.Blkno)
	w.PutUint64(24, n.Header.LSN)
	w.PutBytes(32, n.Header.UUID[:])
	w.PutUint32(48, n.Header.OwnerAG)
	// CRC field at 52 is left zero; filled in below.

	off := HeaderSize
	if n.IsLeaf() {
		for _, r := range n.Records {
			w.PutUint32(off+0, uint32(r.Startblock))
			w.PutUint32(off+4, uint32(r.Blockcount))
			w.PutUint64(off+8, uint64(r.Owner))
			off += RecSize
		}
	} else {
		for _, kp := range n.KeyPtrs {
			w.PutUint32(off+0, uint32(kp.Key.Startblock))
			w.PutUint32(off+4, uint32(kp.Ptr))
			off += PtrSize
		}
	}

	buf := w.Bytes()
	crc := crc32.Checksum(buf, crcTable)
	// Patch the CRC field directly; it was computed over the buffer
	// with that field still zeroed.
	buf[52] = byte(crc >> 24)
	buf[53] = byte(crc >> 16)
	buf[54] = byte(crc >> 8)
	buf[55] = byte(crc)
	n.Header.CRC = crc

	return buf, nil
}

// Unmarshal decodes a block previously produced by Marshal. It does
// not validate the block; callers run rmapverify.Verify for that.
func Unmarshal(buf []byte) (*Node, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("rmapbt: block of %d bytes is smaller than the %d byte header", len(buf), HeaderSize)
	}
	r := binpack.NewReader(buf)

	n := &Node{
		Header: Header{
			Level:    uint8(r.Uint16(4)),
			NumRecs:  r.Uint16(6),
			LeftSib:  rmapprim.AgBlock(r.Uint32(8)),
			RightSib: rmapprim.AgBlock(r.Uint32(12)),
			Blkno:    r.Uint64(16),
			LSN:      r.Uint64(24),
			OwnerAG:  r.Uint32(48),
			CRC:      r.Uint32(52),
		},
	}
	copy(n.Header.UUID[:], r.Bytes(32, 16))

	off := HeaderSize
	if n.Header.Level == 0 {
		n.Records = make([]rmapprim.Record, 0, n.Header.NumRecs)
		for i := uint16(0); i < n.Header.NumRecs; i++ {
			if off+RecSize > len(buf) {
				return nil, fmt.Errorf("rmapbt: record %d overruns block", i)
			}
			n.Records = append(n.Records, rmapprim.Record{
				Startblock: rmapprim.AgBlock(r.Uint32(off)),
				Blockcount: rmapprim.ExtLen(r.Uint32(off + 4)),
				Owner:      rmapprim.Owner(r.Uint64(off + 8)),
			})
			off += RecSize
		}
	} else {
		n.KeyPtrs = make([]KeyPointer, 0, n.Header.NumRecs)
		for i := uint16(0); i < n.Header.NumRecs; i++ {
			if off+PtrSize > len(buf) {
				return nil, fmt.Errorf("rmapbt: key/pointer %d overruns block", i)
			}
			n.KeyPtrs = append(n.KeyPtrs, KeyPointer{
				Key: rmapprim.Key{Startblock: rmapprim.AgBlock(r.Uint32(off))},
				Ptr: rmapprim.AgBlock(r.Uint32(off + 4)),
			})
			off += PtrSize
		}
	}

	return n, nil
}

// MagicOK reports whether buf starts with the rmap btree magic
// number.
func MagicOK(buf []byte) bool {
	return len(buf) >= 4 && buf[0] == Magic[0] && buf[1] == Magic[1] && buf[2] == Magic[2] && buf[3] == Magic[3]
}

// CalculateCRC recomputes the CRC32C of an already-marshaled block,
// the same way Marshal does: over the whole buffer with the stored
// checksum field treated as zero.
func CalculateCRC(buf []byte) uint32 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	tmp[52], tmp[53], tmp[54], tmp[55] = 0, 0, 0, 0
	return crc32.Checksum(tmp, crcTable)
}
