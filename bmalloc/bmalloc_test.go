// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package bmalloc

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/region"
)

// requireIs checks err against target, following errors.Mark marks too.
func requireIs(t *testing.T, err, target error) {
	t.Helper()
	require.True(t, errors.Is(err, target), "%v is not %v", err, target)
}

func bytesAt(p unsafe.Pointer, n uint64) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func TestNewConfig(t *testing.T) {
	for _, c := range []struct{ minExp, levels int }{
		{3, 9}, {31, 2}, {4, 0}, {4, 33}, {30, 12},
	} {
		_, err := New(c.minExp, c.levels, region.Heap, 0)
		requireIs(t, err, ErrConfig)
	}
	b, err := New(DefaultMinExp, DefaultLevels, nil, BMDefaultOptions)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), b.ArenaSize())
	require.Equal(t, 8, b.TopLevel())
	require.NoError(t, b.Check())
}

func TestScenario(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, BMDebug)

	p := b.Malloc(13)
	require.NotNil(t, p)
	require.Equal(t, uint64(24), b.UsableSize(p))
	require.Equal(t, unsafe.Pointer(&b.mem[HeadSize]), p)
	for l := 1; l < b.TopLevel(); l++ {
		require.Equal(t, 1, b.FreeBlocks(l), "level %d", l)
	}
	require.Equal(t, 0, b.FreeBlocks(0))
	require.Equal(t, 0, b.FreeBlocks(b.TopLevel()))

	require.Equal(t, p, b.Realloc(p, 16))

	big, err := b.Alloc(2000)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&b.mem[2048+HeadSize]), big)

	again, err := b.Alloc(2000)
	require.Nil(t, again)
	requireIs(t, err, ErrNoMem)
	require.NoError(t, b.Check())

	b.Free(p)
	b.Free(big)
	require.Equal(t, 1, b.FreeBlocks(b.TopLevel()))
	for l := 0; l < b.TopLevel(); l++ {
		require.Equal(t, 0, b.FreeBlocks(l), "level %d", l)
	}
	require.Equal(t, MUsed{MaxRealUsed: 32 + 2048}, b.MUsage())
}

func TestWholeArena(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, BMDebug)

	p, err := b.Alloc(4000)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Zero(t, b.Available())

	_, err = b.Alloc(4000)
	requireIs(t, err, ErrNoMem)
	_, err = b.Alloc(1)
	requireIs(t, err, ErrNoMem)

	b.Free(p)
	p, err = b.Alloc(b.ArenaSize() - HeadSize)
	require.NoError(t, err)
	b.Free(p)
}

func TestInvalidRequests(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, 0)

	p, err := b.Alloc(0)
	require.Nil(t, p)
	requireIs(t, err, ErrInvalidSize)
	require.Nil(t, b.Malloc(0))
	// nothing acquired for invalid requests
	require.Nil(t, b.mem)

	_, err = b.Alloc(b.ArenaSize())
	requireIs(t, err, ErrOversize)
	requireIs(t, err, ErrNoMem)
	require.Nil(t, b.mem)
	require.NoError(t, b.Check())
}

func TestReuseAfterFree(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, BMDebug)

	for _, size := range []uint64{1, 13, 100, 1000, 4088} {
		p := b.Malloc(size)
		require.NotNil(t, p)
		b.Free(p)
		require.Equal(t, p, b.Malloc(size), "size %d", size)
		b.Free(p)
	}

	a := b.Malloc(10)
	p := b.Malloc(100)
	b.Free(p)
	require.Equal(t, p, b.Malloc(100))
	b.Free(p)
	b.Free(a)
	require.Equal(t, 1, b.FreeBlocks(b.TopLevel()))
}

func TestWriteReadBack(t *testing.T) {
	b := newTestBM(t, 4, 12, 0)

	var ptrs []unsafe.Pointer
	var sizes []uint64
	for size := uint64(1); size < 2000; size = size*3 + 1 {
		p := b.Malloc(size)
		require.NotNil(t, p, "size %d", size)
		buf := bytesAt(p, size)
		for i := range buf {
			buf[i] = byte(size + uint64(i))
		}
		ptrs = append(ptrs, p)
		sizes = append(sizes, size)
	}
	for i, p := range ptrs {
		buf := bytesAt(p, sizes[i])
		for j := range buf {
			require.Equal(t, byte(sizes[i]+uint64(j)), buf[j],
				"size %d offset %d", sizes[i], j)
		}
		b.Free(p)
	}
	require.NoError(t, b.Check())
}

// fillArena allocates all the minimum sized blocks.
func fillArena(t *testing.T, b *BMalloc) []unsafe.Pointer {
	n := int(b.ArenaSize() >> b.minExp)
	ptrs := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		p := b.Malloc(b.blockSize(0) - HeadSize)
		require.NotNil(t, p, "block %d", i)
		ptrs = append(ptrs, p)
	}
	require.Nil(t, b.Malloc(1))
	require.Zero(t, b.Available())
	return ptrs
}

func TestFullRecombination(t *testing.T) {
	orders := map[string]func([]unsafe.Pointer){
		"ascending": func([]unsafe.Pointer) {},
		"descending": func(p []unsafe.Pointer) {
			for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
				p[i], p[j] = p[j], p[i]
			}
		},
		"odd-first": func(p []unsafe.Pointer) {
			reordered := make([]unsafe.Pointer, 0, len(p))
			for start := 1; start >= 0; start-- {
				for i := start; i < len(p); i += 2 {
					reordered = append(reordered, p[i])
				}
			}
			copy(p, reordered)
		},
	}
	for seed := int64(1); seed <= 8; seed++ {
		rnd := rand.New(rand.NewSource(seed))
		orders["random"+string(rune('0'+seed))] = func(p []unsafe.Pointer) {
			rnd.Shuffle(len(p), func(i, j int) { p[i], p[j] = p[j], p[i] })
		}
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			b := newTestBM(t, DefaultMinExp, DefaultLevels, BMDebug)
			ptrs := fillArena(t, b)
			order(ptrs)
			for _, p := range ptrs {
				b.Free(p)
			}
			require.Equal(t, 1, b.FreeBlocks(b.TopLevel()))
			for l := 0; l < b.TopLevel(); l++ {
				require.Equal(t, 0, b.FreeBlocks(l), "level %d", l)
			}
			require.Equal(t, b.ArenaSize(), b.Available())
			require.NoError(t, b.Check())
		})
	}
}

type liveBlock struct {
	p    unsafe.Pointer
	size uint64
	fill byte
}

func TestNoOverlap(t *testing.T) {
	b := newTestBM(t, 4, 14, 0)
	rnd := rand.New(rand.NewSource(42))
	var live []liveBlock

	checkLive := func() {
		sort.Slice(live, func(i, j int) bool {
			return uintptr(live[i].p) < uintptr(live[j].p)
		})
		for i, lb := range live {
			end := uintptr(lb.p) + uintptr(b.UsableSize(lb.p))
			if i+1 < len(live) {
				require.LessOrEqual(t, end+uintptr(HeadSize),
					uintptr(live[i+1].p), "blocks overlap")
			}
			for _, c := range bytesAt(lb.p, lb.size) {
				require.Equal(t, lb.fill, c)
			}
		}
		require.NoError(t, b.Check())
	}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			k := rnd.Intn(len(live))
			b.Free(live[k].p)
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			size := uint64(rnd.Intn(1<<uint(rnd.Intn(12)))) + 1
			p := b.Malloc(size)
			if p == nil {
				continue
			}
			fill := byte(rnd.Intn(256))
			buf := bytesAt(p, size)
			for j := range buf {
				buf[j] = fill
			}
			live = append(live, liveBlock{p, size, fill})
		}
		if i%50 == 0 {
			checkLive()
		}
	}
	checkLive()
	for _, lb := range live {
		b.Free(lb.p)
	}
	require.Equal(t, 1, b.FreeBlocks(b.TopLevel()))
	require.NoError(t, b.Check())
}

func TestRegionFailure(t *testing.T) {
	boom := errors.New("no pages")
	b, err := New(DefaultMinExp, DefaultLevels, region.Failing(boom), 0)
	require.NoError(t, err)

	p, err := b.Alloc(10)
	require.Nil(t, p)
	requireIs(t, err, ErrNoMem)
	requireIs(t, err, boom)
	require.Nil(t, b.mem)
	require.NoError(t, b.Check())

	// a later request retries the provider
	calls := 0
	b, err = New(DefaultMinExp, DefaultLevels, func(size uint64) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return region.Heap(size)
	}, 0)
	require.NoError(t, err)
	require.Nil(t, b.Malloc(10))
	require.NotNil(t, b.Malloc(10))
	require.Equal(t, 2, calls)
}

func TestRegionMisaligned(t *testing.T) {
	b, err := New(DefaultMinExp, DefaultLevels, func(size uint64) ([]byte, error) {
		mem, err := region.Heap(2 * size)
		if err != nil {
			return nil, err
		}
		return mem[16 : 16+size], nil
	}, 0)
	require.NoError(t, err)
	_, err = b.Alloc(10)
	requireIs(t, err, ErrNoMem)
	requireIs(t, err, region.ErrMisaligned)

	b, err = New(DefaultMinExp, DefaultLevels, func(size uint64) ([]byte, error) {
		return make([]byte, size/2), nil
	}, 0)
	require.NoError(t, err)
	_, err = b.Alloc(10)
	requireIs(t, err, region.ErrTooSmall)
}

func TestFixedRegion(t *testing.T) {
	mem, err := region.Heap(4096)
	require.NoError(t, err)
	b, err := New(DefaultMinExp, DefaultLevels, region.Fixed(mem), 0)
	require.NoError(t, err)

	p := b.Malloc(13)
	require.Equal(t, unsafe.Pointer(&mem[HeadSize]), p)
}

func TestReleaseErrors(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, 0)

	require.NoError(t, b.Release(nil))
	b.Free(nil)

	var x [64]byte
	requireIs(t, b.Release(unsafe.Pointer(&x[8])), ErrBadPointer)

	a := b.Malloc(10)
	c := b.Malloc(10)
	require.True(t, b.Owns(a))
	require.False(t, b.Owns(unsafe.Pointer(&x[8])))

	requireIs(t, b.Release(unsafe.Add(c, 1)), ErrBadPointer)
	requireIs(t, b.Release(unsafe.Add(c, 16)), ErrBadPointer)

	require.NoError(t, b.Release(a))
	requireIs(t, b.Release(a), ErrDoubleFree)
	require.Panics(t, func() { b.Free(a) })
	require.NoError(t, b.Check())

	// overwritten header
	b.head(uint64(uintptr(c)-b.base()) - HeadSize).level = 200
	requireIs(t, b.Release(c), ErrCorrupt)
}

func TestCorruptBuddy(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, 0)

	a := b.Malloc(10)
	c := b.Malloc(10)
	require.NotNil(t, c)
	b.head(uint64(uintptr(c)-b.base())-HeadSize).level = 100
	requireIs(t, b.Release(a), ErrCorrupt)
}

func TestRealloc(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, BMDebug)

	require.Nil(t, b.Realloc(nil, 0))
	p := b.Realloc(nil, 13)
	require.NotNil(t, p)
	copy(bytesAt(p, 13), "mallocstring\x00")

	require.Equal(t, p, b.Realloc(p, 16))
	require.Equal(t, p, b.Realloc(p, 24))
	require.Equal(t, p, b.Realloc(p, 0))

	q := b.Realloc(p, 100)
	require.NotNil(t, q)
	require.NotEqual(t, p, q)
	require.Equal(t, "mallocstring\x00", string(bytesAt(q, 13)))
	require.Equal(t, uint64(120), b.UsableSize(q))
	require.Equal(t, uint64(128), b.MUsage().RealUsed)
	// p's block was merged into a free one
	requireIs(t, b.Release(p), ErrDoubleFree)

	require.Panics(t, func() { b.Realloc(unsafe.Add(q, 8), 10) })
	b.Free(q)
	require.Panics(t, func() { b.Realloc(q, 10) })
}

func TestReallocFailureKeepsBlock(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, BMDebug)

	p := b.Malloc(2000)
	q := b.Malloc(1000)
	require.NotNil(t, q)
	buf := bytesAt(p, 2000)
	for i := range buf {
		buf[i] = byte(i)
	}
	usage := b.MUsage()

	require.Nil(t, b.Realloc(p, 3000))
	require.Nil(t, b.Realloc(p, 5000))
	require.Equal(t, usage, b.MUsage())
	for i := range buf {
		require.Equal(t, byte(i), buf[i])
	}
	require.NoError(t, b.Release(p))
	require.NoError(t, b.Release(q))
	require.Equal(t, 1, b.FreeBlocks(b.TopLevel()))
}

func TestCalloc(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, BMDebug)

	p := b.Malloc(100)
	buf := bytesAt(p, b.UsableSize(p))
	for i := range buf {
		buf[i] = 0xff
	}
	b.Free(p)

	q := b.Calloc(10, 10)
	require.Equal(t, p, q)
	for i, c := range bytesAt(q, 100) {
		require.Zero(t, c, "offset %d", i)
	}
	b.Free(q)

	require.Nil(t, b.Calloc(0, 10))
	require.Nil(t, b.Calloc(10, 0))
	require.Nil(t, b.Calloc(1<<40, 1<<40))
	require.Nil(t, b.Calloc(math.MaxUint64, 2))
	require.Nil(t, b.Calloc(1000, 1000))
	require.Equal(t, b.ArenaSize(), b.Available())
}

func TestZeroFree(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, BMZeroFree)

	p := b.Malloc(16)
	copy(bytesAt(p, 16), "0123456789abcdef")
	b.Free(p)
	q := b.Malloc(16)
	require.Equal(t, p, q)
	require.Equal(t, make([]byte, 24), bytesAt(q, 24))
}

func TestUsage(t *testing.T) {
	b := newTestBM(t, DefaultMinExp, DefaultLevels, 0)
	require.Equal(t, b.ArenaSize(), b.Available())
	require.False(t, b.Owns(nil))

	p := b.Malloc(13)
	require.Equal(t, MUsed{Used: 24, RealUsed: 32, MaxRealUsed: 32},
		b.MUsage())
	require.Equal(t, uint64(4096-32), b.Available())
	q := b.Malloc(1000)
	require.Equal(t, uint64(32+1024), b.MUsage().RealUsed)
	b.Free(q)
	b.Free(p)
	require.Equal(t, MUsed{MaxRealUsed: 32 + 1024}, b.MUsage())
}

func TestConcurrentUse(t *testing.T) {
	b := newTestBM(t, 4, 16, 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			var mine []unsafe.Pointer
			for i := 0; i < 500; i++ {
				if len(mine) > 0 && rnd.Intn(2) == 0 {
					b.Free(mine[len(mine)-1])
					mine = mine[:len(mine)-1]
					continue
				}
				if p := b.Malloc(uint64(rnd.Intn(512) + 1)); p != nil {
					mine = append(mine, p)
				}
			}
			for _, p := range mine {
				b.Free(p)
			}
		}(int64(g))
	}
	wg.Wait()
	require.NoError(t, b.Check())
	require.Equal(t, 1, b.FreeBlocks(b.TopLevel()))
}
