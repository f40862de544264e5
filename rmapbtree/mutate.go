// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rmapbtree

import (
	"context"
	"fmt"

	"github.com/pcacjr/xfsprogs/rmapbt"
	"github.com/pcacjr/xfsprogs/rmaperr"
	"github.com/pcacjr/xfsprogs/rmapprim"
)

// Update rewrites the record at the cursor's leaf position. If the
// cursor is on a leaf's first slot, the new key is propagated up to
// every ancestor whose separator pointed at this leaf.
func (c *Cursor) Update(ctx context.Context, rec rmapprim.Record) error {
	lf := c.leaf()
	if lf == nil || lf.slot < 0 || lf.slot >= len(lf.node.Records) {
		return fmt.Errorf("rmapbtree: Update: cursor is not positioned on a record")
	}
	oldKey := lf.node.Records[lf.slot].Key()
	lf.node.Records[lf.slot] = rec
	if err := c.writeLevel(ctx, 0); err != nil {
		return err
	}
	if lf.slot == 0 && rec.Key().Compare(oldKey) != 0 {
		if err := c.fixupAncestorKeys(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fixupAncestorKeys rewrites the separator key in every ancestor that
// pointed at the leftmost path down to the leaf, after the leaf's
// first key changed.
func (c *Cursor) fixupAncestorKeys(ctx context.Context) error {
	newKey := c.levels[0].node.Records[0].Key()
	for depth := 1; depth < len(c.levels); depth++ {
		lv := &c.levels[depth]
		if lv.slot != 0 {
			break
		}
		lv.node.KeyPtrs[lv.slot].Key = newKey
		if err := c.writeLevel(ctx, depth); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cursor) writeLevel(ctx context.Context, depth int) error {
	lv := &c.levels[depth]
	return c.ops.WriteBlock(ctx, c.ag, lv.bno, lv.node)
}

// Increment moves the cursor at the given level to the next slot,
// crossing into the right sibling block if the current block is
// exhausted. stat is 0 if there is no next record at this level.
func (c *Cursor) Increment(ctx context.Context, lvl int) (stat int, err error) {
	if lvl >= len(c.levels) {
		return 0, nil
	}
	cur := &c.levels[lvl]
	size := len(cur.node.Records)
	if lvl > 0 {
		size = len(cur.node.KeyPtrs)
	}
	if cur.slot+1 < size {
		cur.slot++
		return 1, nil
	}
	if cur.node.Header.RightSib == rmapprim.NullAgBlock {
		return 0, nil
	}
	next, err := c.ops.ReadBlock(ctx, c.ag, cur.node.Header.RightSib)
	if err != nil {
		return 0, err
	}
	c.levels[lvl] = level{bno: cur.node.Header.RightSib, node: next, slot: 0}
	return 1, nil
}

// Decrement is Increment's mirror image.
func (c *Cursor) Decrement(ctx context.Context, lvl int) (stat int, err error) {
	if lvl >= len(c.levels) {
		return 0, nil
	}
	cur := &c.levels[lvl]
	if cur.slot > 0 {
		cur.slot--
		return 1, nil
	}
	if cur.node.Header.LeftSib == rmapprim.NullAgBlock {
		return 0, nil
	}
	prev, err := c.ops.ReadBlock(ctx, c.ag, cur.node.Header.LeftSib)
	if err != nil {
		return 0, err
	}
	size := len(prev.Records)
	if lvl > 0 {
		size = len(prev.KeyPtrs)
	}
	c.levels[lvl] = level{bno: cur.node.Header.LeftSib, node: prev, slot: size - 1}
	return 1, nil
}

// Insert adds rec at the cursor's position, splitting nodes upward as
// needed. After Insert, the cursor is repositioned onto rec.
func (c *Cursor) Insert(ctx context.Context, rec rmapprim.Record) error {
	if len(c.levels) == 0 {
		return fmt.Errorf("rmapbtree: Insert: cursor has no position to insert relative to")
	}
	lf := &c.levels[0]
	geo := c.ops.Geometry()

	slot := lf.slot
	if slot < 0 {
		slot = 0
	} else if slot < len(lf.node.Records) && lf.node.Records[slot].Key().Compare(rec.Key()) < 0 {
		slot++
	}
	lf.node.Records = insertRecord(lf.node.Records, slot, rec)
	lf.node.Header.NumRecs = uint16(len(lf.node.Records))
	lf.slot = slot

	if len(lf.node.Records) <= geo.MaxRecs(0) {
		return c.writeLevel(ctx, 0)
	}
	return c.splitUp(ctx, 0)
}

func insertRecord(recs []rmapprim.Record, at int, rec rmapprim.Record) []rmapprim.Record {
	recs = append(recs, rmapprim.Record{})
	copy(recs[at+1:], recs[at:])
	recs[at] = rec
	return recs
}

// splitUp splits the overflowing block at depth and propagates the
// new separator to the parent, growing the tree's height if depth was
// the root.
func (c *Cursor) splitUp(ctx context.Context, depth int) error {
	geo := c.ops.Geometry()
	lv := &c.levels[depth]

	newBno, ok, err := c.ops.AllocBlock(ctx, c.ag)
	if err != nil {
		return err
	}
	if !ok {
		return rmaperr.NoSpace("no free block to complete split")
	}

	right := &rmapbt.Node{Header: rmapbt.Header{
		Level:    lv.node.Header.Level,
		OwnerAG:  lv.node.Header.OwnerAG,
		UUID:     lv.node.Header.UUID,
		Blkno:    uint64(newBno),
		RightSib: lv.node.Header.RightSib,
		LeftSib:  lv.bno,
	}}

	var rightKey rmapprim.Key
	if lv.node.Header.Level == 0 {
		mid := len(lv.node.Records) / 2
		right.Records = append([]rmapprim.Record{}, lv.node.Records[mid:]...)
		lv.node.Records = lv.node.Records[:mid]
		lv.node.Header.NumRecs = uint16(len(lv.node.Records))
		right.Header.NumRecs = uint16(len(right.Records))
		rightKey = right.Records[0].Key()
	} else {
		mid := len(lv.node.KeyPtrs) / 2
		right.KeyPtrs = append([]rmapbt.KeyPointer{}, lv.node.KeyPtrs[mid:]...)
		lv.node.KeyPtrs = lv.node.KeyPtrs[:mid]
		lv.node.Header.NumRecs = uint16(len(lv.node.KeyPtrs))
		right.Header.NumRecs = uint16(len(right.KeyPtrs))
		rightKey = right.KeyPtrs[0].Key
	}

	oldRightSibBno := lv.node.Header.RightSib
	lv.node.Header.RightSib = newBno
	if oldRightSibBno != rmapprim.NullAgBlock {
		sib, err := c.ops.ReadBlock(ctx, c.ag, oldRightSibBno)
		if err != nil {
			return err
		}
		sib.Header.LeftSib = newBno
		if err := c.ops.WriteBlock(ctx, c.ag, oldRightSibBno, sib); err != nil {
			return err
		}
	}

	if err := c.ops.WriteBlock(ctx, c.ag, lv.bno, lv.node); err != nil {
		return err
	}
	if err := c.ops.WriteBlock(ctx, c.ag, newBno, right); err != nil {
		return err
	}

	leftBno, leftNode := lv.bno, lv.node

	// Reposition the cursor at this level: if the slot we inserted
	// at landed in the new right half, follow it there.
	leftLen := len(lv.node.Records)
	if lv.node.Header.Level > 0 {
		leftLen = len(lv.node.KeyPtrs)
	}
	if lv.slot >= leftLen {
		c.levels[depth] = level{bno: newBno, node: right, slot: lv.slot - leftLen}
	}

	if depth == len(c.levels)-1 {
		return c.growRoot(ctx, leftBno, leftNode, rightKey, newBno)
	}

	parent := &c.levels[depth+1]
	pslot := parent.slot
	if pslot < len(parent.node.KeyPtrs)-1 {
		pslot++
	} else {
		pslot = len(parent.node.KeyPtrs)
	}
	kp := rmapbt.KeyPointer{Key: rightKey, Ptr: newBno}
	parent.node.KeyPtrs = insertKeyPtr(parent.node.KeyPtrs, pslot, kp)
	parent.node.Header.NumRecs = uint16(len(parent.node.KeyPtrs))
	if parent.slot >= pslot {
		parent.slot++
	}

	if len(parent.node.KeyPtrs) <= geo.MaxRecs(parent.node.Header.Level) {
		return c.writeLevel(ctx, depth+1)
	}
	return c.splitUp(ctx, depth+1)
}

func insertKeyPtr(kps []rmapbt.KeyPointer, at int, kp rmapbt.KeyPointer) []rmapbt.KeyPointer {
	kps = append(kps, rmapbt.KeyPointer{})
	copy(kps[at+1:], kps[at:])
	kps[at] = kp
	return kps
}

// growRoot builds a new root above the just-split old root, pointing
// at leftBno (the old root's own block, now holding the left half of
// the split) and rightBno (its new right sibling).
func (c *Cursor) growRoot(ctx context.Context, leftBno rmapprim.AgBlock, leftNode *rmapbt.Node, rightKey rmapprim.Key, rightBno rmapprim.AgBlock) error {
	newRootBno, ok, err := c.ops.AllocBlock(ctx, c.ag)
	if err != nil {
		return err
	}
	if !ok {
		return rmaperr.NoSpace("no free block to grow root")
	}

	leftKey := leftNode.Records[0].Key()
	if leftNode.Header.Level > 0 {
		leftKey = leftNode.KeyPtrs[0].Key
	}

	newRoot := &rmapbt.Node{
		Header: rmapbt.Header{
			Level:    leftNode.Header.Level + 1,
			OwnerAG:  leftNode.Header.OwnerAG,
			UUID:     leftNode.Header.UUID,
			Blkno:    uint64(newRootBno),
			LeftSib:  rmapprim.NullAgBlock,
			RightSib: rmapprim.NullAgBlock,
			NumRecs:  2,
		},
		KeyPtrs: []rmapbt.KeyPointer{
			{Key: leftKey, Ptr: leftBno},
			{Key: rightKey, Ptr: rightBno},
		},
	}
	// SetRoot must land before the new root block is written: the
	// write path verifies the new block's level against the tree's
	// current height, and the new root's level (leftNode's level + 1)
	// only clears that bound once the height has already grown.
	newHeight := uint8(len(c.levels) + 1)
	if err := c.ops.SetRoot(ctx, c.ag, newRootBno, newHeight, 1); err != nil {
		return err
	}
	if err := c.ops.WriteBlock(ctx, c.ag, newRootBno, newRoot); err != nil {
		return err
	}

	newRootSlot := 0
	if c.levels[len(c.levels)-1].bno == rightBno {
		newRootSlot = 1
	}
	c.levels = append(c.levels, level{bno: newRootBno, node: newRoot, slot: newRootSlot})
	return nil
}

// Delete removes the record at the cursor's position, merging or
// rebalancing upward as needed.
func (c *Cursor) Delete(ctx context.Context) error {
	lf := &c.levels[0]
	if lf.slot < 0 || lf.slot >= len(lf.node.Records) {
		return fmt.Errorf("rmapbtree: Delete: cursor is not positioned on a record")
	}
	deletedFirst := lf.slot == 0
	lf.node.Records = append(lf.node.Records[:lf.slot], lf.node.Records[lf.slot+1:]...)
	lf.node.Header.NumRecs = uint16(len(lf.node.Records))

	if err := c.rebalance(ctx, 0); err != nil {
		return err
	}
	if deletedFirst && len(c.levels[0].node.Records) > 0 {
		if err := c.fixupAncestorKeys(ctx); err != nil {
			return err
		}
	}
	return nil
}

// rebalance restores the minimum occupancy of the node at depth,
// merging with a sibling (right preferred, ties toward the right), and
// recurses upward if a merge removed a key/pointer from the parent.
// It does not borrow entries from a sibling: a node that neither
// sibling can absorb is written under minimum. At the root, it collapses
// height if the root is left with a single child.
func (c *Cursor) rebalance(ctx context.Context, depth int) error {
	geo := c.ops.Geometry()
	lv := &c.levels[depth]
	count := len(lv.node.Records)
	if lv.node.Header.Level > 0 {
		count = len(lv.node.KeyPtrs)
	}

	isRoot := depth == len(c.levels)-1
	if isRoot {
		if lv.node.Header.Level > 0 && len(lv.node.KeyPtrs) == 1 {
			return c.collapseRoot(ctx, depth)
		}
		return c.writeLevel(ctx, depth)
	}

	if count >= geo.MinRecs(lv.node.Header.Level) {
		return c.writeLevel(ctx, depth)
	}

	parent := &c.levels[depth+1]

	if lv.node.Header.RightSib != rmapprim.NullAgBlock {
		rightBno := lv.node.Header.RightSib
		right, err := c.ops.ReadBlock(ctx, c.ag, rightBno)
		if err != nil {
			return err
		}
		rightCount := len(right.Records)
		if lv.node.Header.Level > 0 {
			rightCount = len(right.KeyPtrs)
		}
		if count+rightCount <= geo.MaxRecs(lv.node.Header.Level) {
			return c.mergeInto(ctx, depth, lv, rightBno, right, parent, true)
		}
	}
	if lv.node.Header.LeftSib != rmapprim.NullAgBlock {
		leftBno := lv.node.Header.LeftSib
		left, err := c.ops.ReadBlock(ctx, c.ag, leftBno)
		if err != nil {
			return err
		}
		leftCount := len(left.Records)
		if lv.node.Header.Level > 0 {
			leftCount = len(left.KeyPtrs)
		}
		if count+leftCount <= geo.MaxRecs(lv.node.Header.Level) {
			return c.mergeInto(ctx, depth, lv, leftBno, left, parent, false)
		}
	}

	// Neither sibling can absorb this node without overflowing;
	// an under-minimum node with no merge candidate is accepted as
	// written (this can only happen transiently at very small
	// geometries exercised by tests, never in a well-formed AG).
	return c.writeLevel(ctx, depth)
}

// mergeInto merges lv's node with the sibling at siblingBno (the
// right sibling if intoRight, else the left), removes the
// now-redundant key/pointer from parent, and recurses the rebalance
// upward.
func (c *Cursor) mergeInto(ctx context.Context, depth int, lv *level, siblingBno rmapprim.AgBlock, sibling *rmapbt.Node, parent *level, intoRight bool) error {
	var survivorBno rmapprim.AgBlock
	var survivor *rmapbt.Node
	var removedBno rmapprim.AgBlock

	if intoRight {
		// lv absorbs sibling (the right neighbor); lv survives.
		if lv.node.Header.Level == 0 {
			lv.node.Records = append(lv.node.Records, sibling.Records...)
			lv.node.Header.NumRecs = uint16(len(lv.node.Records))
		} else {
			lv.node.KeyPtrs = append(lv.node.KeyPtrs, sibling.KeyPtrs...)
			lv.node.Header.NumRecs = uint16(len(lv.node.KeyPtrs))
		}
		lv.node.Header.RightSib = sibling.Header.RightSib
		survivorBno, survivor = lv.bno, lv.node
		removedBno = siblingBno
	} else {
		// sibling (the left neighbor) absorbs lv; sibling survives.
		if lv.node.Header.Level == 0 {
			sibling.Records = append(sibling.Records, lv.node.Records...)
			sibling.Header.NumRecs = uint16(len(sibling.Records))
		} else {
			sibling.KeyPtrs = append(sibling.KeyPtrs, lv.node.KeyPtrs...)
			sibling.Header.NumRecs = uint16(len(sibling.KeyPtrs))
		}
		sibling.Header.RightSib = lv.node.Header.RightSib
		survivorBno, survivor = siblingBno, sibling
		removedBno = lv.bno
		lv.bno, lv.node = siblingBno, sibling
	}

	if survivor.Header.RightSib != rmapprim.NullAgBlock {
		rr, err := c.ops.ReadBlock(ctx, c.ag, survivor.Header.RightSib)
		if err != nil {
			return err
		}
		rr.Header.LeftSib = survivorBno
		if err := c.ops.WriteBlock(ctx, c.ag, survivor.Header.RightSib, rr); err != nil {
			return err
		}
	}
	if err := c.ops.WriteBlock(ctx, c.ag, survivorBno, survivor); err != nil {
		return err
	}
	if err := c.ops.FreeBlock(ctx, c.ag, removedBno); err != nil {
		return err
	}

	pidx := findPtr(parent.node.KeyPtrs, removedBno)
	if pidx < 0 {
		return fmt.Errorf("rmapbtree: merge: parent has no pointer to freed block %d", removedBno)
	}
	parent.node.KeyPtrs = append(parent.node.KeyPtrs[:pidx], parent.node.KeyPtrs[pidx+1:]...)
	parent.node.Header.NumRecs = uint16(len(parent.node.KeyPtrs))
	if parent.slot >= pidx {
		parent.slot--
		if parent.slot < 0 {
			parent.slot = 0
		}
	}

	return c.rebalance(ctx, depth+1)
}

func findPtr(kps []rmapbt.KeyPointer, bno rmapprim.AgBlock) int {
	for i, kp := range kps {
		if kp.Ptr == bno {
			return i
		}
	}
	return -1
}

// collapseRoot handles the case where the root has shrunk to a single
// child: that child becomes the new root, and SetRoot is called with
// inc = -1.
func (c *Cursor) collapseRoot(ctx context.Context, rootDepth int) error {
	root := &c.levels[rootDepth]
	onlyChild := root.node.KeyPtrs[0].Ptr

	if err := c.ops.FreeBlock(ctx, c.ag, root.bno); err != nil {
		return err
	}
	if err := c.ops.SetRoot(ctx, c.ag, onlyChild, uint8(rootDepth), -1); err != nil {
		return err
	}
	c.levels = c.levels[:rootDepth]
	return nil
}
