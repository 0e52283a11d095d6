// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package lmalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/intuitivelabs/slog"
)

// dumpStatus will write current status information in the log
func (l *LMalloc) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "lm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", l)
	if l == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "heap size= %d\n", l.size)
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		l.used.Used, l.used.RealUsed, l.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		l.used.MaxRealUsed)
	if l.options&LMDumpStatsShort != 0 || l.mem == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all fragments:\n")
	i := 0
	for off := uint64(0); off < l.size; off = l.nextFrag(off) {
		f := l.frag(off)
		Log.LLog(lev, 0, prefix,
			"   %3d.    address=%p offset=%d size=%d state=%x\n",
			i, l.addr(off), off, f.size, f.state)
		if l.Debug() {
			Log.LLog(lev, 0, prefix, "         start check=%x\n", f.check)
		}
		if f.state != fragUsed && f.state != fragFree {
			break
		}
		i++
	}
	j := uint64(0)
	for cur := l.freeHead; cur != lmNil && j <= l.freeNo; j++ {
		cur = l.frag(fromIdx(cur)).next
	}
	Log.LLog(lev, 0, prefix, "free fragments no.: %d\n", j)
	if j != l.freeNo {
		BUG("lm_status: different free frag count: %d != %d\n",
			j, l.freeNo)
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// debugCheck panics if the arena is not consistent.
func (l *LMalloc) debugCheck() {
	if err := l.Check(); err != nil {
		l.dumpStatus()
		PANIC("BUG: %v\n", err)
	}
}

// Check walks all the fragments and the free list and returns the first
// inconsistency found. Fragments must tile the arena, free ones must all
// be on the address ordered free list and never be adjacent.
func (l *LMalloc) Check() error {
	if l.mem == nil {
		if l.freeHead != lmNil || l.freeNo != 0 {
			return errors.New("free list not empty before the arena was" +
				" acquired")
		}
		return nil
	}
	listed := make(map[uint64]bool, l.freeNo)
	prev := int64(-1)
	for cur := l.freeHead; cur != lmNil; cur = l.frag(fromIdx(cur)).next {
		off := fromIdx(cur)
		if int64(off) <= prev || off >= l.size {
			return errors.Newf("free list not sorted: %d after %d", off, prev)
		}
		if l.frag(off).state != fragFree {
			return errors.Newf("fragment at offset %d on the free list has"+
				" state %x", off, l.frag(off).state)
		}
		listed[off] = true
		prev = int64(off)
	}
	if uint64(len(listed)) != l.freeNo {
		return errors.Newf("%d free fragments listed, counter %d",
			len(listed), l.freeNo)
	}
	var used MUsed
	free := 0
	prevFree := false
	for off := uint64(0); off < l.size; {
		f := l.frag(off)
		if f.check != StartCheckPattern {
			return errors.Newf("fragment at offset %d beginning"+
				" overwritten (%x)", off, f.check)
		}
		if f.size%RoundTo != 0 || f.size > l.size-off-fragSizeof {
			return errors.Newf("fragment at offset %d: bad size %d",
				off, f.size)
		}
		used.RealUsed += fragSizeof
		switch f.state {
		case fragUsed:
			used.Used += f.size
			used.RealUsed += f.size
			prevFree = false
		case fragFree:
			if prevFree {
				return errors.Newf("adjacent free fragments at offset %d"+
					" not joined", off)
			}
			if !listed[off] {
				return errors.Newf("free fragment at offset %d not on the"+
					" free list", off)
			}
			free++
			prevFree = true
		default:
			return errors.Newf("fragment at offset %d: invalid state %x",
				off, f.state)
		}
		off = l.nextFrag(off)
	}
	if free != len(listed) {
		return errors.Newf("%d free fragments, %d listed", free, len(listed))
	}
	if used.Used != l.used.Used || used.RealUsed != l.used.RealUsed {
		return errors.Newf("used stats %d/%d, fragments %d/%d",
			l.used.Used, l.used.RealUsed, used.Used, used.RealUsed)
	}
	return nil
}
