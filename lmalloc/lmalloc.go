// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package lmalloc provides a simple first fit malloc library.
//
// All the free fragments are kept in one list, ordered by address.
// Malloc takes the first fragment big enough and splits it; Free puts the
// fragment back and joins it with its free neighbours.
package lmalloc

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/intuitivelabs/mallocs/region"
)

const NAME = "lmalloc"

// size we round to, must be 2^n and sizeof(lmFrag) must be a multiple of it
const (
	RoundTo     = 16
	RoundToMask = ^(uint64(RoundTo) - 1)
)

const MinFragSize = RoundTo

// arena size limits
const (
	MinArenaSize = 1024
	MaxArenaSize = uint64(1) << 36 // free links are 32 bit RoundTo indexes
)

// MUsed contains the lmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // total size allocated
	RealUsed    uint64 // real size = Used + fragment headers
	MaxRealUsed uint64
}

// Options encodes various configuration flags for LMalloc
type Options uint32

const (
	LMDebug          Options = 1 << iota // consistency check after each op
	LMChecks                             // check each fragment canary
	LMDumpStatsShort                     // dump status in log, short version
	LMDefaultOptions = LMChecks
)

// LMalloc is the memory arena used for allocating.
// It includes the actual memory area used, all the bookkeeping information
// and the classical malloc functions (as methods).
type LMalloc struct {
	options  Options
	size     uint64 // total size
	used     MUsed  // statistics
	provider region.Provider

	bigLock sync.Mutex

	freeHead uint32 // first free fragment, lmNil if none
	freeNo   uint64 // free fragments counter
	mem      []byte // actual memory used, nil until the first allocation
}

// New returns a new LMalloc managing size bytes (power of 2, at least
// MinArenaSize) obtained from provider (nil for region.Default) on the
// first allocation.
func New(size uint64, provider region.Provider, options Options) (*LMalloc,
	error) {
	if size < MinArenaSize || size > MaxArenaSize || size&(size-1) != 0 {
		return nil, errors.Mark(errors.Newf("lmalloc: arena size %d must"+
			" be a power of 2 in [%d, %d]", size, MinArenaSize,
			MaxArenaSize), ErrConfig)
	}
	if provider == nil {
		provider = region.Default
	}
	return &LMalloc{
		options:  options,
		size:     size,
		provider: provider,
		freeHead: lmNil,
	}, nil
}

// Debug returns true if malloc debugging is turned on.
func (l *LMalloc) Debug() bool { return l.options&LMDebug != 0 }

// BChecks returns true if fragment canary checking is turned on.
func (l *LMalloc) BChecks() bool { return l.options&LMChecks != 0 }

func (l *LMalloc) lock() {
	l.bigLock.Lock()
}
func (l *LMalloc) unlock() {
	l.bigLock.Unlock()
}

// addUsed increases the "used" stats with the given fragment size.
func (l *LMalloc) addUsed(size uint64) {
	l.used.Used += size
	l.used.RealUsed += size
	if l.used.MaxRealUsed < l.used.RealUsed {
		l.used.MaxRealUsed = l.used.RealUsed
	}
}

// subUsed subtracts size from the "used" stats.
func (l *LMalloc) subUsed(size uint64) {
	l.used.Used -= size
	l.used.RealUsed -= size
}

// addOverhead accounts for a new fragment header.
func (l *LMalloc) addOverhead() {
	l.used.RealUsed += fragSizeof
	if l.used.MaxRealUsed < l.used.RealUsed {
		l.used.MaxRealUsed = l.used.RealUsed
	}
}

// subOverhead accounts for a fragment header removed by a join.
func (l *LMalloc) subOverhead() {
	l.used.RealUsed -= fragSizeof
}

// MUsage returns current memory usage values.
func (l *LMalloc) MUsage() MUsed {
	return l.used
}

// Available returns how many bytes are available for allocation (free
// memory, not counting the free fragment headers).
func (l *LMalloc) Available() uint64 {
	return l.size - l.used.RealUsed
}

// FreeFrags returns the number of free fragments.
func (l *LMalloc) FreeFrags() int {
	return int(l.freeNo)
}

// Owns returns whether or not p points inside the arena.
// Behaviour is undefined if p was Free()d.
func (l *LMalloc) Owns(p unsafe.Pointer) bool {
	if l.mem == nil {
		return false
	}
	base := uintptr(unsafe.Pointer(&l.mem[0]))
	return uintptr(p) >= base+uintptr(fragSizeof) &&
		uintptr(p) < base+uintptr(l.size)
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// On failure (out of memory) it return nil.
func (l *LMalloc) Malloc(size uint64) unsafe.Pointer {
	l.lock()
	p := l.MallocUnsafe(size)
	l.unlock()
	return p
}

// Alloc is the Malloc variant returning the failure reason.
func (l *LMalloc) Alloc(size uint64) (unsafe.Pointer, error) {
	l.lock()
	p, err := l.AllocUnsafe(size)
	l.unlock()
	return p, err
}

// Free releases the memory associated with p (p must have been previously
// allocated with Malloc)
func (l *LMalloc) Free(p unsafe.Pointer) {
	l.lock()
	defer l.unlock()
	l.FreeUnsafe(p)
}

// Release is the Free variant returning an error for invalid pointers.
func (l *LMalloc) Release(p unsafe.Pointer) error {
	l.lock()
	err := l.ReleaseUnsafe(p)
	l.unlock()
	return err
}

// Realloc tries to grow or shrink a previously Malloc allocated pointer to
// a new size.
// It returns either the old value, when the size change was possible in-place,
// or a new value. In the new value case, the old contents is always
// copied in the new location and the old pointer is Free()d.
// If not enough memory is available for growing p, it will return nil,
// but it will _not_ free the original pointer p.
func (l *LMalloc) Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	l.lock()
	defer l.unlock()
	return l.ReallocUnsafe(p, size)
}

// Calloc allocates zeroed memory for count elements of size bytes.
func (l *LMalloc) Calloc(count, size uint64) unsafe.Pointer {
	l.lock()
	p := l.CallocUnsafe(count, size)
	l.unlock()
	return p
}
