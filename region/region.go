// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package region supplies the raw memory arenas the allocators manage.
//
// A Provider is asked once for an arena of a given power-of-two size and
// must return memory whose start address is a multiple of that size.
// The allocators never give the memory back.
package region

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
)

var (
	// ErrSize is returned for a requested size that is 0, not a power of
	// two or too big for the address space.
	ErrSize = errors.New("region: invalid arena size")

	// ErrMisaligned is returned when a region does not start at a
	// multiple of its size.
	ErrMisaligned = errors.New("region: arena not aligned to its size")

	// ErrTooSmall is returned when the memory backing a region is shorter
	// than the requested size.
	ErrTooSmall = errors.New("region: memory too small for arena")
)

// Provider returns a writable arena of exactly size bytes, aligned to size.
// size is always a power of two.
type Provider func(size uint64) ([]byte, error)

// checkSize verifies size is a non-zero power of two that can be
// doubled without overflowing an int.
func checkSize(size uint64) error {
	if size == 0 || size&(size-1) != 0 || size > math.MaxInt/2 {
		return errors.Wrapf(ErrSize, "%d bytes", size)
	}
	return nil
}

// Aligned reports whether mem starts at a multiple of size (power of 2).
func Aligned(mem []byte, size uint64) bool {
	if len(mem) == 0 {
		return false
	}
	return uint64(uintptr(unsafe.Pointer(&mem[0])))&(size-1) == 0
}

// alignIn returns the first size bytes of mem that start at a multiple
// of size. mem must be at least 2*size-1 bytes long.
func alignIn(mem []byte, size uint64) []byte {
	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	offs := ((addr + size - 1) &^ (size - 1)) - addr
	return mem[offs : offs+size : offs+size]
}

// Heap allocates the arena from the Go heap, over-allocating so that an
// aligned sub-slice can be cut out of it.
func Heap(size uint64) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	return alignIn(make([]byte, 2*size-1), size), nil
}

// Fixed returns a Provider handing out caller owned memory.
// The memory must be aligned to the requested size and at least that long.
// It can be handed out only once.
func Fixed(mem []byte) Provider {
	used := false
	return func(size uint64) ([]byte, error) {
		if err := checkSize(size); err != nil {
			return nil, err
		}
		if used {
			return nil, errors.Newf("region: fixed memory %p already in use",
				&mem[0])
		}
		if uint64(len(mem)) < size {
			return nil, errors.Wrapf(ErrTooSmall, "%d < %d", len(mem), size)
		}
		if !Aligned(mem, size) {
			return nil, errors.Wrapf(ErrMisaligned, "%p, size %d",
				&mem[0], size)
		}
		used = true
		return mem[:size:size], nil
	}
}

// Failing returns a Provider that always fails with err.
func Failing(err error) Provider {
	return func(size uint64) ([]byte, error) {
		return nil, errors.Wrapf(err, "region: %d bytes", size)
	}
}
