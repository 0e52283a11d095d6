// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package lmalloc

import (
	"math"
	"unsafe"

	"github.com/JohnCGriffin/overflow"
	"github.com/cockroachdb/errors"

	"github.com/intuitivelabs/mallocs/region"
)

// acquireArena gets the memory from the provider and turns it into one
// big free fragment. On failure nothing changes.
func (l *LMalloc) acquireArena() error {
	mem, err := l.provider(l.size)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "lmalloc: acquiring %d bytes",
			l.size), ErrNoMem)
	}
	if uint64(len(mem)) < l.size {
		return errors.Mark(errors.Wrapf(region.ErrTooSmall, "lmalloc: got"+
			" %d bytes instead of %d", len(mem), l.size), ErrNoMem)
	}
	if uintptr(unsafe.Pointer(&mem[0]))&(RoundTo-1) != 0 {
		return errors.Mark(errors.Wrapf(region.ErrMisaligned,
			"lmalloc: %p not %d aligned", &mem[0], RoundTo), ErrNoMem)
	}
	l.mem = mem[:l.size:l.size]
	*l.frag(0) = lmFrag{
		size:  l.size - fragSizeof,
		next:  lmNil,
		state: fragFree,
		check: StartCheckPattern,
	}
	l.freeHead = toIdx(0)
	l.freeNo = 1
	l.addOverhead()
	return nil
}

// findFree returns the first free fragment of at least size bytes and
// its predecessor on the free list (lmNil if it is the first one).
func (l *LMalloc) findFree(size uint64) (uint64, uint32, bool) {
	prev := lmNil
	for cur := l.freeHead; cur != lmNil; cur = l.frag(fromIdx(cur)).next {
		if l.frag(fromIdx(cur)).size >= size {
			return fromIdx(cur), prev, true
		}
		prev = cur
	}
	return 0, lmNil, false
}

// unlinkFree removes the fragment idx, whose list predecessor is prev,
// from the free list.
func (l *LMalloc) unlinkFree(idx, prev uint32) {
	f := l.frag(fromIdx(idx))
	if prev == lmNil {
		l.freeHead = f.next
	} else {
		l.frag(fromIdx(prev)).next = f.next
	}
	f.next = lmNil
	l.freeNo--
}

// detachFree removes the free fragment at off from the free list.
func (l *LMalloc) detachFree(off uint64) bool {
	idx := toIdx(off)
	prev := lmNil
	for cur := l.freeHead; cur != lmNil; cur = l.frag(fromIdx(cur)).next {
		if cur == idx {
			l.unlinkFree(idx, prev)
			return true
		}
		prev = cur
	}
	return false
}

// insertFree returns a fragment to the free list, keeping it sorted by
// address and joining it with the free fragments right before and after.
// It returns the offset of the resulting free fragment.
func (l *LMalloc) insertFree(off uint64) uint64 {
	f := l.frag(off)
	f.state = fragFree
	idx := toIdx(off)
	prev := lmNil
	cur := l.freeHead
	for cur != lmNil && cur < idx {
		prev = cur
		cur = l.frag(fromIdx(cur)).next
	}
	if cur != lmNil && fromIdx(cur) == l.nextFrag(off) {
		// join with the next fragment
		n := l.frag(fromIdx(cur))
		f.size += fragSizeof + n.size
		f.next = n.next
		n.state = fragGone
		l.freeNo--
		l.subOverhead()
	} else {
		f.next = cur
	}
	if prev != lmNil && l.nextFrag(fromIdx(prev)) == off {
		// join with the previous one, f disappears
		pf := l.frag(fromIdx(prev))
		pf.size += fragSizeof + f.size
		pf.next = f.next
		f.state = fragGone
		l.subOverhead()
		return fromIdx(prev)
	}
	if prev == lmNil {
		l.freeHead = idx
	} else {
		l.frag(fromIdx(prev)).next = idx
	}
	l.freeNo++
	return off
}

// splitFrag shrinks the fragment at off to newSize and adds the rest as a
// new free fragment, if the rest is big enough for a header and
// MinFragSize. newSize must be a multiple of RoundTo.
// The "used" stats are not touched, except for the new header overhead.
// It returns true if the fragment was split.
func (l *LMalloc) splitFrag(off, newSize uint64) bool {
	f := l.frag(off)
	if f.size <= newSize {
		return false
	}
	rest := f.size - newSize
	if rest < fragSizeof+MinFragSize {
		return false
	}
	f.size = newSize
	n := l.nextFrag(off)
	*l.frag(n) = lmFrag{
		size:  rest - fragSizeof,
		next:  lmNil,
		check: StartCheckPattern,
	}
	l.addOverhead()
	l.insertFree(n)
	return true
}

// alloc returns the offset of a newly allocated fragment of at least size
// bytes.
func (l *LMalloc) alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	if size > l.size-fragSizeof {
		return 0, errors.Wrapf(ErrNoMem, "%d bytes, arena %d", size, l.size)
	}
	if l.mem == nil {
		if err := l.acquireArena(); err != nil {
			return 0, err
		}
	}
	size = roundUp(size)
	if size > l.Available() {
		// not enough free memory
		return 0, errors.Wrapf(ErrNoMem, "%d bytes, %d available",
			size, l.Available())
	}
	off, prev, ok := l.findFree(size)
	if !ok {
		// too fragmented, no suitable fragment found
		return 0, errors.Wrapf(ErrNoMem, "no free fragment of %d bytes",
			size)
	}
	l.unlinkFree(toIdx(off), prev)
	f := l.frag(off)
	f.state = fragUsed
	f.check = StartCheckPattern
	l.splitFrag(off, size)
	l.addUsed(f.size)
	return off, nil
}

// AllocUnsafe is the unsafe (not locking) Alloc version.
func (l *LMalloc) AllocUnsafe(size uint64) (unsafe.Pointer, error) {
	off, err := l.alloc(size)
	if err != nil {
		return nil, err
	}
	if l.Debug() {
		l.debugCheck()
	}
	return l.addr(off), nil
}

// MallocUnsafe is the unsafe (not locking) Malloc version.
// For more details see Malloc.
// On failure (out of memory) it return nil.
func (l *LMalloc) MallocUnsafe(size uint64) unsafe.Pointer {
	p, err := l.AllocUnsafe(size)
	if err != nil {
		if DBGon() {
			DBG("malloc(%d) failed: %v\n", size, err)
		}
		return nil
	}
	return p
}

// fragOf returns the offset of the used fragment p points to.
func (l *LMalloc) fragOf(p unsafe.Pointer) (uint64, error) {
	if !l.Owns(p) {
		return 0, errors.Wrapf(ErrBadPointer, "%p outside the arena", p)
	}
	off := uint64(uintptr(p)-uintptr(unsafe.Pointer(&l.mem[0]))) - fragSizeof
	if off%RoundTo != 0 {
		return 0, errors.Wrapf(ErrBadPointer, "%p misaligned", p)
	}
	f := l.frag(off)
	if l.BChecks() && f.check != StartCheckPattern {
		return 0, errors.Wrapf(ErrCorrupt, "fragment %p beginning"+
			" overwritten (%x)", p, f.check)
	}
	switch f.state {
	case fragUsed:
	case fragFree:
		return 0, errors.Wrapf(ErrDoubleFree, "%p", p)
	default:
		return 0, errors.Wrapf(ErrBadPointer, "%p is not a fragment", p)
	}
	if f.size > l.size-off-fragSizeof {
		return 0, errors.Wrapf(ErrCorrupt, "fragment %p size %d", p, f.size)
	}
	return off, nil
}

// ReleaseUnsafe is the unsafe (not locking) Release version.
func (l *LMalloc) ReleaseUnsafe(p unsafe.Pointer) error {
	if p == nil {
		DBG("free(nil) called\n")
		return nil
	}
	off, err := l.fragOf(p)
	if err != nil {
		return err
	}
	l.subUsed(l.frag(off).size)
	l.insertFree(off)
	if l.Debug() {
		l.debugCheck()
	}
	return nil
}

// FreeUnsafe releases the memory associated with p
// (p must have been previously allocated with MallocUnsafe).
// This is the unsafe non-locking version  (see also Free).
func (l *LMalloc) FreeUnsafe(p unsafe.Pointer) {
	if err := l.ReleaseUnsafe(p); err != nil {
		l.dumpStatus()
		PANIC("BUG: free(%p): %v\n", p, err)
	}
}

// ReallocUnsafe tries to grow or shrink a previously malloc allocated
// pointer to a new size.
// This is the unsafe non-locking version. For more details see Realloc.
func (l *LMalloc) ReallocUnsafe(p unsafe.Pointer, size uint64) unsafe.Pointer {
	if p == nil {
		// it's a malloc
		return l.MallocUnsafe(size)
	}
	if size == 0 {
		// it is actually a free
		l.FreeUnsafe(p)
		return nil
	}
	off, err := l.fragOf(p)
	if err != nil {
		l.dumpStatus()
		PANIC("BUG: realloc(%p, %d): %v\n", p, size, err)
	}
	if size > l.size {
		return nil
	}
	f := l.frag(off)
	size = roundUp(size)
	if f.size > size {
		// shrink
		origSize := f.size
		if l.splitFrag(off, size) {
			l.subUsed(origSize - f.size)
		}
	} else if f.size < size {
		// grow
		origSize := f.size
		n := l.nextFrag(off)
		if n < l.size && l.frag(n).state == fragFree &&
			origSize+fragSizeof+l.frag(n).size >= size {
			// join
			nf := l.frag(n)
			l.detachFree(n)
			f.size += fragSizeof + nf.size
			nf.state = fragGone
			l.subOverhead()
			l.splitFrag(off, size)
			l.addUsed(f.size - origSize)
		} else {
			// no joining possible => realloc
			nOff, err := l.alloc(size)
			if err != nil {
				if DBGon() {
					DBG("realloc(%p, %d) failed: %v\n", p, size, err)
				}
				return nil
			}
			copy(l.payload(nOff), l.payload(off))
			l.FreeUnsafe(p)
			p = l.addr(nOff)
		}
	} // else roundUp(size) == f.size => do nothing
	if l.Debug() {
		l.debugCheck()
	}
	return p
}

// CallocUnsafe is the unsafe (not locking) Calloc version.
func (l *LMalloc) CallocUnsafe(count, size uint64) unsafe.Pointer {
	if count > math.MaxInt64 || size > math.MaxInt64 {
		return nil
	}
	total, ok := overflow.Mul64(int64(count), int64(size))
	if !ok {
		if DBGon() {
			DBG("calloc(%d, %d): size overflow\n", count, size)
		}
		return nil
	}
	p := l.MallocUnsafe(uint64(total))
	if p != nil {
		clear(unsafe.Slice((*byte)(p), total))
	}
	return p
}
