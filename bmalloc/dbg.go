// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/intuitivelabs/slog"
)

// dumpStatus will write current status information in the log
func (b *BMalloc) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "bm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", b)
	if b == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "arena size= %d, levels= %d, min block= %d\n",
		b.size, b.levels, b.blockSize(0))
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		b.used.Used, b.used.RealUsed, b.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		b.used.MaxRealUsed)
	if b.options&BMDumpStatsShort != 0 || b.mem == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all alloc'ed blocks:\n")
	i := 0
	for off := uint64(0); off < b.size; i++ {
		if !b.isValid(off) {
			Log.LLog(lev, 0, prefix, "   no block header at offset %d\n",
				off)
			break
		}
		h := b.head(off)
		if int(h.level) >= b.levels {
			Log.LLog(lev, 0, prefix, "   corrupted block at offset %d:"+
				" level %d\n", off, h.level)
			break
		}
		if h.used != 0 {
			Log.LLog(lev, 0, prefix,
				"   %3d.    address=%p offset=%d level=%d size=%d\n",
				i, b.userPtr(off), off, h.level, b.blockSize(int(h.level)))
		}
		off += b.blockSize(int(h.level))
	}
	Log.LLog(lev, 0, prefix, "dumping free list stats:\n")
	for l := range b.freeL {
		j := uint64(0)
		for s := b.freeL[l].head; s != noSlot && j <= b.freeL[l].no; j++ {
			s = b.head(b.slotOffs(s)).next
		}
		if j != 0 {
			Log.LLog(lev, 0, prefix,
				"level= %2d. blocks no.: %5d, block size: %9d\n",
				l, j, b.blockSize(l))
		}
		if j != b.freeL[l].no {
			BUG("bm_status: different free block count: %d != %d"+
				" for level %2d\n", j, b.freeL[l].no, l)
		}
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// debugCheck panics if the arena is not consistent.
func (b *BMalloc) debugCheck() {
	if err := b.Check(); err != nil {
		b.dumpStatus()
		PANIC("BUG: %v\n", err)
	}
}

// Check walks the whole arena and the free lists and returns an error
// describing the first inconsistency found:
// blocks must tile the arena, each free block must be on exactly the free
// list of its level, used blocks on none, the counters must match and no
// free block may have a free buddy of the same level.
func (b *BMalloc) Check() error {
	if b.mem == nil {
		for l := range b.freeL {
			if b.freeL[l].head != noSlot || b.freeL[l].no != 0 {
				return errors.Newf("level %d free list not empty before"+
					" the arena was acquired", l)
			}
		}
		return nil
	}
	slots := b.size >> b.minExp
	onList := make([]uint64, len(b.valid))
	for l := range b.freeL {
		n := uint64(0)
		for s := b.freeL[l].head; s != noSlot; n++ {
			off := b.slotOffs(s)
			if uint64(s) >= slots || !b.isValid(off) {
				return errors.Newf("level %d free list: slot %d is not"+
					" a block", l, s)
			}
			if onList[s/64]&(1<<(s%64)) != 0 {
				return errors.Newf("level %d free list: block at offset %d"+
					" listed twice", l, off)
			}
			onList[s/64] |= 1 << (s % 64)
			h := b.head(off)
			if h.used != 0 || int(h.level) != l {
				return errors.Newf("level %d free list: block at offset %d"+
					" has used=%d level=%d", l, off, h.used, h.level)
			}
			s = h.next
		}
		if n != b.freeL[l].no {
			return errors.Newf("level %d free list: %d blocks, counter %d",
				l, n, b.freeL[l].no)
		}
	}
	var used MUsed
	for off := uint64(0); off < b.size; {
		if !b.isValid(off) {
			return errors.Newf("no block header at offset %d", off)
		}
		h := b.head(off)
		if int(h.level) >= b.levels {
			return errors.Newf("block at offset %d: invalid level %d",
				off, h.level)
		}
		bsize := b.blockSize(int(h.level))
		if off&(bsize-1) != 0 {
			return errors.Newf("block at offset %d: not aligned to its"+
				" size %d", off, bsize)
		}
		for in := off + b.blockSize(0); in < off+bsize; in += b.blockSize(0) {
			if b.isValid(in) {
				return errors.Newf("block header at offset %d inside"+
					" block %d-%d", in, off, off+bsize)
			}
		}
		s := b.slot(off)
		listed := onList[s/64]&(1<<(s%64)) != 0
		if h.used != 0 {
			if listed {
				return errors.Newf("used block at offset %d on a free list",
					off)
			}
			used.Used += bsize - HeadSize
			used.RealUsed += bsize
		} else {
			if !listed {
				return errors.Newf("free block at offset %d not on the"+
					" level %d free list", off, h.level)
			}
			if int(h.level) < b.levels-1 {
				bud := b.buddyOf(off, h.level)
				if b.isValid(bud) && b.head(bud).used == 0 &&
					b.head(bud).level == h.level {
					return errors.Newf("free buddies at offsets %d and %d"+
						" not merged", off, bud)
				}
			}
		}
		off += bsize
	}
	if used.Used != b.used.Used || used.RealUsed != b.used.RealUsed {
		return errors.Newf("used stats %d/%d, blocks %d/%d",
			b.used.Used, b.used.RealUsed, used.Used, used.RealUsed)
	}
	return nil
}
