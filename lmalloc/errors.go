// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package lmalloc

import "github.com/cockroachdb/errors"

var (
	ErrConfig      = errors.New("lmalloc: invalid configuration")
	ErrInvalidSize = errors.New("lmalloc: invalid allocation size")
	ErrNoMem       = errors.New("lmalloc: out of memory")
	ErrBadPointer  = errors.New("lmalloc: pointer not allocated by this arena")
	ErrDoubleFree  = errors.New("lmalloc: fragment already free")
	ErrCorrupt     = errors.New("lmalloc: fragment header overwritten")
)
