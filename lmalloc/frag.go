// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package lmalloc

import (
	"unsafe"
)

// lmFrag is the header in front of each fragment. Fragments follow each
// other without gaps, so the next one starts right after the payload.
type lmFrag struct {
	size  uint64 // payload size, multiple of RoundTo
	next  uint32 // next free fragment (offset / RoundTo), lmNil if last
	state uint16 // fragUsed or fragFree, anything else => not a fragment
	check uint16 // canary used for detecting underflows
}

const fragSizeof = uint64(unsafe.Sizeof(lmFrag{}))

const lmNil = ^uint32(0)

const (
	fragUsed uint16 = 0x5553
	fragFree uint16 = 0x4652
	fragGone uint16 = 0 // joined into the previous fragment

	StartCheckPattern uint16 = 0xf0f0
)

// frag returns the fragment header at offset off.
func (l *LMalloc) frag(off uint64) *lmFrag {
	return (*lmFrag)(unsafe.Pointer(&l.mem[off]))
}

// addr returns the usable address for the fragment at off.
func (l *LMalloc) addr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&l.mem[off+fragSizeof])
}

// nextFrag returns the offset of the fragment following the one at off.
// It is l.size for the last fragment.
func (l *LMalloc) nextFrag(off uint64) uint64 {
	return off + fragSizeof + l.frag(off).size
}

func (l *LMalloc) payload(off uint64) []byte {
	end := l.nextFrag(off)
	return l.mem[off+fragSizeof : end : end]
}

func toIdx(off uint64) uint32 { return uint32(off / RoundTo) }
func fromIdx(i uint32) uint64 { return uint64(i) * RoundTo }
func roundUp(s uint64) uint64 { return (s + (RoundTo - 1)) & RoundToMask }
