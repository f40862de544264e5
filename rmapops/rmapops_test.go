// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rmapops_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcacjr/xfsprogs/rmapbt"
	"github.com/pcacjr/xfsprogs/rmapio"
	"github.com/pcacjr/xfsprogs/rmapio/rmapiotest"
	"github.com/pcacjr/xfsprogs/rmapops"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

const testAG rmapio.AgNumber = 0

// newTestEnv seeds a single-leaf rmap tree at bno 1 holding recs, and
// wires it to in-memory fakes for everything else. leaf split/merge is
// covered by rmapbtree's own tests; these tests care about the four
// Free/Alloc topologies against one leaf, except
// TestAllocBlockMarksReclaimedBlockReused, which forces one split to
// observe the freelist.
func newTestEnv(t *testing.T, recs ...rmapprim.Record) (*rmapops.Env, *rmapiotest.BlockIO, *rmapiotest.FreelistAllocator, *rmapiotest.Transaction, *rmapiotest.BusyExtent) {
	t.Helper()

	geo, err := rmapbt.NewGeometry(512, 1<<20, 8)
	require.NoError(t, err)

	blockIO := rmapiotest.NewBlockIO(512, 0)
	freelist := rmapiotest.NewFreelistAllocator(map[rmapio.AgNumber][]rmapprim.AgBlock{testAG: {2, 3, 4}})
	txn := rmapiotest.NewTransaction()
	busy := rmapiotest.NewBusyExtent()

	state := &rmapops.AgState{
		UUID:           [16]byte{1, 2, 3, 4},
		FeatureEnabled: true,
		RootBno:        1,
		Levels:         1,
		Geometry:       geo,
	}

	leaf := &rmapbt.Node{
		Header: rmapbt.Header{
			Level: 0, NumRecs: uint16(len(recs)),
			LeftSib: rmapprim.NullAgBlock, RightSib: rmapprim.NullAgBlock,
			Blkno: 1, UUID: state.UUID, OwnerAG: uint32(testAG),
		},
		Records: append([]rmapprim.Record{}, recs...),
	}
	buf, err := leaf.Marshal(geo)
	require.NoError(t, err)
	blockIO.Seed(testAG, 1, buf)

	env := &rmapops.Env{
		AG: testAG, BlockIO: blockIO, Freelist: freelist, Txn: txn, Busy: busy, State: state,
	}
	return env, blockIO, freelist, txn, busy
}

// readRoot fetches the current root leaf's records through the real
// verify path, so a bad Free/Alloc write would be caught as corruption
// just as it would in production.
func readRoot(t *testing.T, env *rmapops.Env) []rmapprim.Record {
	t.Helper()
	node, err := env.Ops().ReadBlock(context.Background(), testAG, mustRoot(env))
	require.NoError(t, err)
	return node.Records
}

func mustRoot(env *rmapops.Env) rmapprim.AgBlock {
	bno, _ := env.Root()
	return bno
}

func TestFreeExactRemovesRecord(t *testing.T) {
	t.Parallel()
	env, _, _, _, busy := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 5, Owner: 42})

	require.NoError(t, env.Free(context.Background(), 10, 5, 42))

	assert.Empty(t, readRoot(t, env))
	assert.Empty(t, busy.Events, "no btree block was freed by a single-leaf delete")
}

func TestFreeLeftEdgeShrinksFromStart(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 10, Owner: 42})

	require.NoError(t, env.Free(context.Background(), 10, 4, 42))

	recs := readRoot(t, env)
	require.Len(t, recs, 1)
	assert.Equal(t, rmapprim.AgBlock(14), recs[0].Startblock)
	assert.Equal(t, rmapprim.ExtLen(6), recs[0].Blockcount)
}

func TestFreeRightEdgeShrinksFromEnd(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 10, Owner: 42})

	require.NoError(t, env.Free(context.Background(), 16, 4, 42))

	recs := readRoot(t, env)
	require.Len(t, recs, 1)
	assert.Equal(t, rmapprim.AgBlock(10), recs[0].Startblock)
	assert.Equal(t, rmapprim.ExtLen(6), recs[0].Blockcount)
}

func TestFreeMiddleSplitsRecordInTwo(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 10, Owner: 42})

	require.NoError(t, env.Free(context.Background(), 13, 2, 42))

	recs := readRoot(t, env)
	require.Len(t, recs, 2)
	assert.Equal(t, rmapprim.AgBlock(10), recs[0].Startblock)
	assert.Equal(t, rmapprim.ExtLen(3), recs[0].Blockcount)
	assert.Equal(t, rmapprim.AgBlock(15), recs[1].Startblock)
	assert.Equal(t, rmapprim.ExtLen(5), recs[1].Blockcount)
	assert.Equal(t, rmapprim.Owner(42), recs[1].Owner)
}

func TestFreeIsNoopWhenFeatureDisabled(t *testing.T) {
	t.Parallel()
	env, blockIO, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 10, Owner: 42})
	env.State.FeatureEnabled = false

	require.NoError(t, env.Free(context.Background(), 10, 10, 42))

	// Read the arena directly: Ops().ReadBlock would itself refuse
	// with FeatureDisabled now that the feature bit is off.
	buf, err := blockIO.Read(context.Background(), testAG, 1)
	require.NoError(t, err)
	node, err := rmapbt.Unmarshal(buf)
	require.NoError(t, err)
	require.Len(t, node.Records, 1, "untouched: the tree was never consulted")
}

func TestFreeLogsTheWrittenBlock(t *testing.T) {
	t.Parallel()
	env, _, _, txn, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 10, Owner: 42})

	require.NoError(t, env.Free(context.Background(), 16, 4, 42))

	require.NotEmpty(t, txn.Blocks)
	assert.Equal(t, rmapprim.AgBlock(1), txn.Blocks[len(txn.Blocks)-1].Bno)
}

func TestAllocNeitherInsertsStandaloneRecord(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 0, Blockcount: 5, Owner: rmapprim.OwnFS})

	require.NoError(t, env.Alloc(context.Background(), 100, 10, 7))

	recs := readRoot(t, env)
	require.Len(t, recs, 2)
	assert.Equal(t, rmapprim.AgBlock(100), recs[1].Startblock)
	assert.Equal(t, rmapprim.ExtLen(10), recs[1].Blockcount)
	assert.Equal(t, rmapprim.Owner(7), recs[1].Owner)
}

func TestAllocLeftContigExtendsPrecedingRecord(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 5, Owner: 7})

	require.NoError(t, env.Alloc(context.Background(), 15, 5, 7))

	recs := readRoot(t, env)
	require.Len(t, recs, 1)
	assert.Equal(t, rmapprim.AgBlock(10), recs[0].Startblock)
	assert.Equal(t, rmapprim.ExtLen(10), recs[0].Blockcount)
}

func TestAllocRightContigExtendsFollowingRecord(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t,
		rmapprim.Record{Startblock: 0, Blockcount: 5, Owner: rmapprim.OwnFS},
		rmapprim.Record{Startblock: 20, Blockcount: 5, Owner: 7},
	)

	require.NoError(t, env.Alloc(context.Background(), 15, 5, 7))

	recs := readRoot(t, env)
	require.Len(t, recs, 2)
	assert.Equal(t, rmapprim.AgBlock(15), recs[1].Startblock)
	assert.Equal(t, rmapprim.ExtLen(10), recs[1].Blockcount)
}

func TestAllocBothContigMergesLeftAndRight(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t,
		rmapprim.Record{Startblock: 0, Blockcount: 10, Owner: 7},
		rmapprim.Record{Startblock: 20, Blockcount: 10, Owner: 7},
	)

	require.NoError(t, env.Alloc(context.Background(), 10, 10, 7))

	recs := readRoot(t, env)
	require.Len(t, recs, 1)
	assert.Equal(t, rmapprim.AgBlock(0), recs[0].Startblock)
	assert.Equal(t, rmapprim.ExtLen(30), recs[0].Blockcount)
}

func TestAllocDoesNotMergeAcrossDifferentOwners(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 5, Owner: 7})

	require.NoError(t, env.Alloc(context.Background(), 15, 5, 8))

	recs := readRoot(t, env)
	require.Len(t, recs, 2)
	assert.Equal(t, rmapprim.Owner(7), recs[0].Owner)
	assert.Equal(t, rmapprim.Owner(8), recs[1].Owner)
}

func TestFreeRejectsOwnerMismatch(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 10, Owner: 42})

	err := env.Free(context.Background(), 10, 10, 99)
	require.Error(t, err)
}

func TestFreeAcceptsMetadataWildcardOnlyInRecoveryMode(t *testing.T) {
	t.Parallel()
	env, _, _, _, _ := newTestEnv(t, rmapprim.Record{Startblock: 10, Blockcount: 10, Owner: rmapprim.OwnAG})

	err := env.Free(context.Background(), 10, 10, rmapprim.OwnRmap)
	require.Error(t, err, "metadata wildcard must not match outside recovery mode")

	env.RecoveryMode = true
	require.NoError(t, env.Free(context.Background(), 10, 10, rmapprim.OwnRmap))
	assert.Empty(t, readRoot(t, env))
}

// TestAllocBlockMarksReclaimedBlockReused fills the leaf to capacity
// so the next insert must split, forcing a freelist Get; that newly
// handed-out block must be reported to BusyExtent.Reuse before the
// tree writes to it.
func TestAllocBlockMarksReclaimedBlockReused(t *testing.T) {
	t.Parallel()

	recs := make([]rmapprim.Record, 28)
	for i := range recs {
		recs[i] = rmapprim.Record{Startblock: rmapprim.AgBlock(10 + i*4), Blockcount: 2, Owner: rmapprim.Owner(100 + i)}
	}
	env, _, _, _, busy := newTestEnv(t, recs...)

	require.NoError(t, env.Alloc(context.Background(), 1000, 2, 999))

	var sawReuse bool
	for _, ev := range busy.Events {
		if ev.Reuse && ev.Bno == 2 {
			sawReuse = true
		}
	}
	assert.True(t, sawReuse, "the block the split pulled off the freelist must be marked reused")
}
