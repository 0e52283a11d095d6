// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"unsafe"
)

// bmHead is the header at the start of every block.
// Blocks are identified by their offset inside the arena; next holds the
// following free block as a slot index (offset >> minExp).
type bmHead struct {
	used  uint8  // 0 => free
	level uint8  // 0 smallest block, levels-1 the whole arena
	_     uint16 // padding, keeps the payload 8 bytes aligned
	next  uint32 // next free block slot, noSlot if last or if used
}

// HeadSize is the per block overhead. The user pointer is the block
// address + HeadSize.
const HeadSize = uint64(unsafe.Sizeof(bmHead{}))

// noSlot terminates a free list.
const noSlot = ^uint32(0)

// head returns the header of the block starting at off.
func (b *BMalloc) head(off uint64) *bmHead {
	return (*bmHead)(unsafe.Pointer(&b.mem[off]))
}

func (b *BMalloc) slot(off uint64) uint32 {
	return uint32(off >> b.minExp)
}

func (b *BMalloc) slotOffs(s uint32) uint64 {
	return uint64(s) << b.minExp
}

// The validity bitmap has one bit per minimum sized slot, set iff a block
// header (free or used) currently starts there.

func (b *BMalloc) isValid(off uint64) bool {
	s := off >> b.minExp
	return b.valid[s/64]&(1<<(s%64)) != 0
}

func (b *BMalloc) setValid(off uint64) {
	s := off >> b.minExp
	b.valid[s/64] |= 1 << (s % 64)
}

func (b *BMalloc) clearValid(off uint64) {
	s := off >> b.minExp
	b.valid[s/64] &^= 1 << (s % 64)
}

// base returns the arena start address.
func (b *BMalloc) base() uintptr {
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

// userPtr returns the address handed out for the block at off.
func (b *BMalloc) userPtr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&b.mem[off+HeadSize])
}

// payload returns the usable memory of the block at off.
func (b *BMalloc) payload(off uint64) []byte {
	end := off + b.blockSize(int(b.head(off).level))
	return b.mem[off+HeadSize : end : end]
}
