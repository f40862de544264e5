// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rmapverify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcacjr/xfsprogs/rmapbt"
	"github.com/pcacjr/xfsprogs/rmaperr"
	"github.com/pcacjr/xfsprogs/rmapprim"
	"github.com/pcacjr/xfsprogs/rmapverify"
)

func testGeometry(t *testing.T) rmapbt.Geometry {
	t.Helper()
	g, err := rmapbt.NewGeometry(512, 1000, 8)
	require.NoError(t, err)
	return g
}

func validExpectations(t *testing.T, g rmapbt.Geometry) rmapverify.Expectations {
	t.Helper()
	return rmapverify.Expectations{
		FeatureEnabled: true,
		UUID:           [16]byte{1, 2, 3},
		ActualBlkno:    5,
		AGNumber:       2,
		AGInitialized:  true,
		RmapLevels:     1,
		Geometry:       g,
	}
}

func validBlock(t *testing.T, g rmapbt.Geometry, exp rmapverify.Expectations) []byte {
	t.Helper()
	n := &rmapbt.Node{
		Header: rmapbt.Header{
			Level:    0,
			NumRecs:  1,
			LeftSib:  rmapprim.NullAgBlock,
			RightSib: rmapprim.NullAgBlock,
			Blkno:    exp.ActualBlkno,
			UUID:     exp.UUID,
			OwnerAG:  exp.AGNumber,
		},
		Records: []rmapprim.Record{{Startblock: 0, Blockcount: 1, Owner: rmapprim.OwnFS}},
	}
	buf, err := n.Marshal(g)
	require.NoError(t, err)
	return buf
}

func TestVerifyAccepts(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)

	node, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), node.Header.NumRecs)
}

func TestVerifyFeatureDisabled(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)
	exp.FeatureEnabled = false

	_, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	assert.True(t, rmaperr.IsFeatureDisabled(err))
}

func TestVerifyBadMagic(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)
	buf[0] = 'X'

	_, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	assert.True(t, rmaperr.IsCorruption(err))
}

func TestVerifyUUIDMismatch(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)
	exp.UUID[0] = 0xff

	_, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	assert.True(t, rmaperr.IsCorruption(err))
}

func TestVerifySelfAddrMismatch(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)
	exp.ActualBlkno = 999

	_, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	assert.True(t, rmaperr.IsCorruption(err))
}

func TestVerifyOwnerMismatch(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)
	exp.AGNumber = 99

	_, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	assert.True(t, rmaperr.IsCorruption(err))
}

func TestVerifyLevelTooHigh(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	exp.RmapLevels = 0 // block's level (0) is no longer < tree height
	buf := validBlock(t, g, exp)

	_, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	assert.True(t, rmaperr.IsCorruption(err))
}

func TestVerifySiblingOutOfRange(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	n := &rmapbt.Node{
		Header: rmapbt.Header{
			Level: 0, NumRecs: 1,
			LeftSib: rmapprim.NullAgBlock, RightSib: rmapprim.AgBlock(g.AGBlocks + 5),
			Blkno: exp.ActualBlkno, UUID: exp.UUID, OwnerAG: exp.AGNumber,
		},
		Records: []rmapprim.Record{{Startblock: 0, Blockcount: 1, Owner: rmapprim.OwnFS}},
	}
	buf, err := n.Marshal(g)
	require.NoError(t, err)

	_, err = rmapverify.Verify(rmapverify.ForRead, buf, exp)
	assert.True(t, rmaperr.IsCorruption(err))
}

func TestVerifyBadCRC(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)
	buf[60] ^= 0xff // perturb a record byte without touching the header fields checked above

	_, err := rmapverify.Verify(rmapverify.ForRead, buf, exp)
	require.Error(t, err)
	assert.ErrorIs(t, err, rmaperr.ErrBadCRC)
}

func TestVerifySkipsCRCOnWrite(t *testing.T) {
	t.Parallel()
	g := testGeometry(t)
	exp := validExpectations(t, g)
	buf := validBlock(t, g, exp)
	buf[52] ^= 0xff // corrupt only the stored CRC itself

	_, err := rmapverify.Verify(rmapverify.ForWrite, buf, exp)
	assert.NoError(t, err)
}
