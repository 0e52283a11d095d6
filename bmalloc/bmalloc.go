// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package bmalloc provides a buddy system malloc library.
//
// The managed arena is 2^(minExp+levels-1) bytes, obtained lazily from a
// region.Provider on the first allocation. Blocks are always
// 2^(minExp+level) bytes and start at a multiple of their size. Free blocks
// are kept in one list per level; allocation splits bigger blocks on
// demand and release merges a block with its buddy for as long as both are
// free, possibly up to the whole arena.
//
// The *Unsafe methods do not lock and assume a single owner. The other
// methods take a per arena lock.
package bmalloc

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/intuitivelabs/mallocs/region"
)

const NAME = "bmalloc"

// configuration limits and defaults
const (
	MinMinExp   = 4  // a level 0 block holds the header + 8 bytes
	MaxMinExp   = 30 // largest minimum block exponent
	MaxLevels   = 32 // slot indexes must fit in 32 bits
	MaxArenaExp = 40 // largest arena: 2^MaxArenaExp

	DefaultMinExp = 4
	DefaultLevels = 9 // 4k arena
)

// MUsed contains the bmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // total usable size of the allocated blocks
	RealUsed    uint64 // real size = Used + headers
	MaxRealUsed uint64
}

// Options encodes various configuration flags for BMalloc
type Options uint32

const (
	BMDebug          Options = 1 << iota // consistency check after each op.
	BMZeroFree                           // clear released payloads
	BMDumpStatsShort                     // dump status in log, short version
	BMDefaultOptions Options = 0
)

// BMalloc is a buddy allocator arena.
// It includes the memory area, the free lists and the classical malloc
// functions (as methods).
type BMalloc struct {
	minExp   uint
	levels   int
	size     uint64 // arena size
	options  Options
	used     MUsed // statistics
	provider region.Provider

	bigLock sync.Mutex

	freeL []bmFreeLst // free lists, one per level
	valid []uint64    // block header bitmap, one bit per minimum block
	mem   []byte      // arena, nil until the first allocation
}

// New returns a new initialised BMalloc (see Init).
func New(minExp, levels int, provider region.Provider,
	options Options) (*BMalloc, error) {
	b := &BMalloc{}
	if err := b.Init(minExp, levels, provider, options); err != nil {
		return nil, err
	}
	return b, nil
}

// Init initialises a bmalloc arena.
// The parameters are: log2 of the smallest block size, the number of
// levels (the top level block is the whole arena), the provider used
// to get the arena memory (nil for region.Default) and some configuration
// options flags.
// No memory is acquired until the first allocation.
func (b *BMalloc) Init(minExp, levels int, provider region.Provider,
	options Options) error {
	*b = BMalloc{} // zero, in case of re-init
	if minExp < MinMinExp || minExp > MaxMinExp {
		return errors.Mark(errors.Newf("bmalloc: minimum block exponent %d"+
			" out of range [%d, %d]", minExp, MinMinExp, MaxMinExp),
			ErrConfig)
	}
	if levels < 1 || levels > MaxLevels || minExp+levels-1 > MaxArenaExp {
		return errors.Mark(errors.Newf("bmalloc: %d levels (min exp %d)"+
			" exceed the supported arena size 2^%d",
			levels, minExp, MaxArenaExp), ErrConfig)
	}
	if provider == nil {
		provider = region.Default
	}
	b.minExp = uint(minExp)
	b.levels = levels
	b.size = uint64(1) << uint(minExp+levels-1)
	b.options = options
	b.provider = provider
	b.freeL = make([]bmFreeLst, levels)
	for l := range b.freeL {
		b.freeL[l].head = noSlot
	}
	return nil
}

// Debug returns true if malloc debugging is turned on.
func (b *BMalloc) Debug() bool { return b.options&BMDebug != 0 }

func (b *BMalloc) lock() {
	b.bigLock.Lock()
}
func (b *BMalloc) unlock() {
	b.bigLock.Unlock()
}

// addUsed increases the "used" stats with a block size.
func (b *BMalloc) addUsed(bsize uint64) {
	b.used.Used += bsize - HeadSize
	b.used.RealUsed += bsize
	if b.used.MaxRealUsed < b.used.RealUsed {
		b.used.MaxRealUsed = b.used.RealUsed
	}
}

// subUsed subtracts a block size from the "used" stats.
func (b *BMalloc) subUsed(bsize uint64) {
	b.used.Used -= bsize - HeadSize
	b.used.RealUsed -= bsize
}

// MUsage returns current memory usage values.
func (b *BMalloc) MUsage() MUsed {
	return b.used
}

// Available returns how many bytes are not part of an allocated block.
func (b *BMalloc) Available() uint64 {
	return b.size - b.used.RealUsed
}

// ArenaSize returns the size of the managed arena.
func (b *BMalloc) ArenaSize() uint64 { return b.size }

// TopLevel returns the level of a block spanning the whole arena.
func (b *BMalloc) TopLevel() int { return b.levels - 1 }

// FreeBlocks returns how many free blocks of the given level exist.
func (b *BMalloc) FreeBlocks(level int) int {
	if level < 0 || level >= b.levels {
		return 0
	}
	return int(b.freeL[level].no)
}

// Owns returns whether or not p points inside the arena payload range.
// Behaviour is undefined if p was Free()d.
func (b *BMalloc) Owns(p unsafe.Pointer) bool {
	if b.mem == nil {
		return false
	}
	a := uintptr(p)
	return a >= b.base()+uintptr(HeadSize) && a < b.base()+uintptr(b.size)
}

// UsableSize returns how many bytes can be used at p (the block payload).
// p must be a live pointer returned by this arena.
func (b *BMalloc) UsableSize(p unsafe.Pointer) uint64 {
	off, err := b.blockOf(p)
	if err != nil {
		PANIC("UsableSize: %v\n", err)
	}
	return b.blockSize(int(b.head(off).level)) - HeadSize
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// On failure (0 size, out of memory) it returns nil.
func (b *BMalloc) Malloc(size uint64) unsafe.Pointer {
	b.lock()
	p := b.MallocUnsafe(size)
	b.unlock()
	return p
}

// Alloc is the Malloc variant returning the failure reason.
func (b *BMalloc) Alloc(size uint64) (unsafe.Pointer, error) {
	b.lock()
	p, err := b.AllocUnsafe(size)
	b.unlock()
	return p, err
}

// Free releases the memory associated with p (p must have been previously
// allocated with Malloc). Releasing nil does nothing.
// It panics on double frees and foreign pointers.
func (b *BMalloc) Free(p unsafe.Pointer) {
	b.lock()
	defer b.unlock()
	b.FreeUnsafe(p)
}

// Release is the Free variant that returns an error instead of panicking
// on invalid pointers.
func (b *BMalloc) Release(p unsafe.Pointer) error {
	b.lock()
	err := b.ReleaseUnsafe(p)
	b.unlock()
	return err
}

// Realloc changes the size of a previously Malloc allocated pointer.
// It returns either the old value, when the current block is big enough,
// or a new value. In the new value case, the old contents is always
// copied in the new location and the old pointer is Free()d.
// If not enough memory is available for growing p, it will return nil,
// but it will _not_ free the original pointer p.
func (b *BMalloc) Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	b.lock()
	defer b.unlock()
	return b.ReallocUnsafe(p, size)
}

// Calloc allocates zeroed memory for count elements of size bytes.
// It returns nil if count*size overflows or cannot be allocated.
func (b *BMalloc) Calloc(count, size uint64) unsafe.Pointer {
	b.lock()
	p := b.CallocUnsafe(count, size)
	b.unlock()
	return p
}
