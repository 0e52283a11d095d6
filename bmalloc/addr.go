// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

// All the bit tricks on block offsets live here. Offsets are relative to
// the arena start, which is aligned to the arena size, so they behave like
// the real addresses.

// blockSize returns the size in bytes of a block of the given level.
func (b *BMalloc) blockSize(level int) uint64 {
	return uint64(1) << (uint(level) + b.minExp)
}

// buddyOf returns the offset of the buddy of the level sized block at off.
// The buddy header is not necessarily valid.
func (b *BMalloc) buddyOf(off uint64, level uint8) uint64 {
	return off ^ (uint64(1) << (uint(level) + b.minExp))
}

// mergeTarget returns the lower member of the buddy pair off belongs to
// (at the given level). It is the block that survives a merge.
func (b *BMalloc) mergeTarget(off uint64, level uint8) uint64 {
	return off &^ (uint64(1) << (uint(level) + b.minExp))
}

// levelFor returns the smallest level whose blocks can hold size bytes
// plus the header.
func (b *BMalloc) levelFor(size uint64) (int, error) {
	if size == 0 {
		return -1, ErrInvalidSize
	}
	if size > b.size-HeadSize {
		return -1, errors.Mark(errors.Wrapf(ErrOversize,
			"%d bytes, arena %d", size, b.size), ErrNoMem)
	}
	level := bits.Len64(size+HeadSize-1) - int(b.minExp)
	if level < 0 {
		level = 0
	}
	return level, nil
}
