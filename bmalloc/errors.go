// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import "github.com/cockroachdb/errors"

var (
	// ErrConfig is returned by New/Init for unusable parameters.
	ErrConfig = errors.New("bmalloc: invalid configuration")

	// ErrInvalidSize is returned for 0 byte requests.
	ErrInvalidSize = errors.New("bmalloc: invalid allocation size")

	// ErrNoMem is returned when no free or splittable block exists or the
	// arena could not be acquired.
	ErrNoMem = errors.New("bmalloc: out of memory")

	// ErrOversize is returned for requests that do not fit in the whole
	// arena. Such errors are marked ErrNoMem too.
	ErrOversize = errors.New("bmalloc: request larger than the arena")

	// ErrBadPointer is returned when releasing a pointer that does not
	// point to the start of a block payload inside the arena.
	ErrBadPointer = errors.New("bmalloc: pointer not allocated by this arena")

	// ErrDoubleFree is returned when releasing an already free block.
	ErrDoubleFree = errors.New("bmalloc: block already free")

	// ErrCorrupt is returned when a block header was overwritten.
	ErrCorrupt = errors.New("bmalloc: corrupted block header")
)
