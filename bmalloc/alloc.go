// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"math"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
	"github.com/cockroachdb/errors"

	"github.com/intuitivelabs/mallocs/region"
)

// acquireArena gets the arena memory from the provider and adds it as a
// single top level free block.
// On failure nothing changes.
func (b *BMalloc) acquireArena() error {
	mem, err := b.provider(b.size)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "bmalloc: acquiring %d bytes"+
			" arena", b.size), ErrNoMem)
	}
	if uint64(len(mem)) < b.size {
		return errors.Mark(errors.Wrapf(region.ErrTooSmall, "bmalloc: got"+
			" %d bytes for a %d bytes arena", len(mem), b.size), ErrNoMem)
	}
	if !region.Aligned(mem, b.size) {
		return errors.Mark(errors.Wrapf(region.ErrMisaligned,
			"bmalloc: arena %p, size %d", &mem[0], b.size), ErrNoMem)
	}
	b.mem = mem[:b.size:b.size]
	b.valid = make([]uint64, (b.size>>b.minExp+63)/64)
	*b.head(0) = bmHead{level: uint8(b.levels - 1), next: noSlot}
	b.setValid(0)
	b.pushFree(0)
	DBG("arena %p acquired: %d bytes, %d levels\n", &b.mem[0], b.size,
		b.levels)
	return nil
}

// findFree returns a free block of the requested level or, if there is
// none, the first one found at a higher level. The block is removed from
// its free list.
// If there is no free block big enough, it returns (0, -1).
func (b *BMalloc) findFree(level int) (uint64, int) {
	for l := level; l < b.levels; l++ {
		if off, ok := b.popFree(l); ok {
			return off, l
		}
	}
	return 0, -1
}

// split halves the free block at off. The block keeps its address and
// the upper half (its new buddy) is added to the free lists.
func (b *BMalloc) split(off uint64) {
	h := b.head(off)
	h.level--
	bud := b.buddyOf(off, h.level)
	*b.head(bud) = bmHead{level: h.level, next: noSlot}
	b.setValid(bud)
	b.pushFree(bud)
}

// alloc returns the offset of a newly allocated block for size bytes.
func (b *BMalloc) alloc(size uint64) (uint64, error) {
	level, err := b.levelFor(size)
	if err != nil {
		return 0, err
	}
	if b.mem == nil {
		if err := b.acquireArena(); err != nil {
			return 0, err
		}
	}
	off, found := b.findFree(level)
	if found < 0 {
		return 0, errors.Wrapf(ErrNoMem, "no free block for %d bytes"+
			" (level %d)", size, level)
	}
	for ; found > level; found-- {
		b.split(off)
	}
	h := b.head(off)
	h.used = 1
	h.next = noSlot
	b.addUsed(b.blockSize(level))
	return off, nil
}

// AllocUnsafe is the unsafe (not locking) Alloc version.
func (b *BMalloc) AllocUnsafe(size uint64) (unsafe.Pointer, error) {
	off, err := b.alloc(size)
	if err != nil {
		return nil, err
	}
	if b.Debug() {
		b.debugCheck()
	}
	return b.userPtr(off), nil
}

// MallocUnsafe is the unsafe (not locking) Malloc version.
// For more details see Malloc.
// On failure it returns nil.
func (b *BMalloc) MallocUnsafe(size uint64) unsafe.Pointer {
	p, err := b.AllocUnsafe(size)
	if err != nil {
		if DBGon() {
			DBG("malloc(%d) failed: %v\n", size, err)
		}
		return nil
	}
	return p
}

// blockOf returns the offset of the block p was allocated in.
func (b *BMalloc) blockOf(p unsafe.Pointer) (uint64, error) {
	if !b.Owns(p) {
		return 0, errors.Wrapf(ErrBadPointer, "%p outside the arena", p)
	}
	off := uint64(uintptr(p)-b.base()) - HeadSize
	if off&(b.blockSize(0)-1) != 0 || !b.isValid(off) {
		return 0, errors.Wrapf(ErrBadPointer, "%p is not a block start", p)
	}
	h := b.head(off)
	if int(h.level) >= b.levels || off&(b.blockSize(int(h.level))-1) != 0 {
		return 0, errors.Wrapf(ErrCorrupt, "block %p header: level %d",
			p, h.level)
	}
	return off, nil
}

// ReleaseUnsafe is the unsafe (not locking) Release version.
func (b *BMalloc) ReleaseUnsafe(p unsafe.Pointer) error {
	if p == nil {
		DBG("free(nil) called\n")
		return nil
	}
	off, err := b.blockOf(p)
	if err != nil {
		return err
	}
	h := b.head(off)
	if h.used == 0 {
		return errors.Wrapf(ErrDoubleFree, "%p", p)
	}
	b.subUsed(b.blockSize(int(h.level)))
	if b.options&BMZeroFree != 0 {
		clear(b.payload(off))
	}
	h.used = 0
	err = b.merge(off)
	if b.Debug() {
		b.debugCheck()
	}
	return err
}

// merge joins the free block at off with its buddy for as long as the
// buddy is free and of the same level, then adds the result to the free
// lists.
func (b *BMalloc) merge(off uint64) error {
	h := b.head(off)
	for int(h.level) < b.levels-1 {
		level := h.level
		bud := b.buddyOf(off, level)
		if !b.isValid(bud) {
			break // part of a bigger, split block
		}
		bh := b.head(bud)
		if int(bh.level) >= b.levels {
			b.pushFree(off)
			return errors.Wrapf(ErrCorrupt, "buddy at offset %d: level %d",
				bud, bh.level)
		}
		if bh.used != 0 || bh.level != level {
			break
		}
		if !b.detachFree(bud) {
			b.pushFree(off)
			return errors.Wrapf(ErrCorrupt, "free buddy at offset %d"+
				" not on the level %d free list", bud, level)
		}
		primary := b.mergeTarget(off, level)
		if primary == off {
			b.clearValid(bud)
		} else {
			b.clearValid(off)
		}
		off = primary
		h = b.head(off)
		h.level = level + 1
		h.used = 0
	}
	b.pushFree(off)
	return nil
}

// FreeUnsafe releases the memory associated with p
// (p must have been previously allocated with MallocUnsafe).
// This is the unsafe non-locking version  (see also Free).
func (b *BMalloc) FreeUnsafe(p unsafe.Pointer) {
	if err := b.ReleaseUnsafe(p); err != nil {
		b.dumpStatus()
		PANIC("BUG: free(%p): %v\n", p, err)
	}
}

// ReallocUnsafe grows a previously malloc allocated pointer to a new size.
// This is the unsafe non-locking version. For more details see Realloc.
func (b *BMalloc) ReallocUnsafe(p unsafe.Pointer, size uint64) unsafe.Pointer {
	if p == nil {
		// it's a malloc
		return b.MallocUnsafe(size)
	}
	off, err := b.blockOf(p)
	if err != nil {
		b.dumpStatus()
		PANIC("BUG: realloc(%p, %d): %v\n", p, size, err)
	}
	if b.head(off).used == 0 {
		PANIC("BUG: attempt to realloc an already freed pointer %p\n", p)
	}
	old := b.payload(off)
	if size <= uint64(len(old)) {
		// the current level is enough, blocks are never shrunk
		return p
	}
	n, err := b.alloc(size)
	if err != nil {
		if DBGon() {
			DBG("realloc(%p, %d) failed: %v\n", p, size, err)
		}
		return nil
	}
	copy(b.payload(n), old)
	b.FreeUnsafe(p)
	if b.Debug() {
		b.debugCheck()
	}
	return b.userPtr(n)
}

// mulSize returns count*size and false on overflow.
func mulSize(count, size uint64) (uint64, bool) {
	if count > math.MaxInt64 || size > math.MaxInt64 {
		return 0, false
	}
	r, ok := overflow.Mul64(int64(count), int64(size))
	return uint64(r), ok
}

// CallocUnsafe is the unsafe (not locking) Calloc version.
func (b *BMalloc) CallocUnsafe(count, size uint64) unsafe.Pointer {
	total, ok := mulSize(count, size)
	if !ok {
		if DBGon() {
			DBG("calloc(%d, %d): size overflow\n", count, size)
		}
		return nil
	}
	p := b.MallocUnsafe(total)
	if p != nil {
		off := uint64(uintptr(p)-b.base()) - HeadSize
		clear(b.payload(off)[:total])
	}
	return p
}
