// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

// bmFreeLst is a LIFO list of free blocks of the same level, linked
// through the block headers.
type bmFreeLst struct {
	head uint32 // first free block slot or noSlot
	no   uint64 // counter
}

// pushFree adds a free block to the list of its level.
func (b *BMalloc) pushFree(off uint64) {
	h := b.head(off)
	lst := &b.freeL[h.level]
	h.next = lst.head
	lst.head = b.slot(off)
	lst.no++
}

// popFree removes the first free block of the given level.
// It returns false if the list is empty.
func (b *BMalloc) popFree(level int) (uint64, bool) {
	lst := &b.freeL[level]
	if lst.head == noSlot {
		return 0, false
	}
	off := b.slotOffs(lst.head)
	h := b.head(off)
	lst.head = h.next
	h.next = noSlot
	lst.no--
	return off, true
}

// detachFree removes the block at off from the list of its level.
// It returns false if the block was not found.
func (b *BMalloc) detachFree(off uint64) bool {
	h := b.head(off)
	lst := &b.freeL[h.level]
	s := b.slot(off)
	if lst.head == s {
		lst.head = h.next
		h.next = noSlot
		lst.no--
		return true
	}
	for cur := lst.head; cur != noSlot; {
		ch := b.head(b.slotOffs(cur))
		if ch.next == s {
			ch.next = h.next
			h.next = noSlot
			lst.no--
			return true
		}
		cur = ch.next
	}
	return false
}
