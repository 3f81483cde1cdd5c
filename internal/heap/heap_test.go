// Copyright 2025 The freestore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-freestore/freestore/internal/chunk"
)

// The allocator is process-global state, so none of these tests are
// parallel; each one that touches a tunable restores it.

// resetParams snapshots the scalar tunables and restores them when the test
// ends.
func resetParams(t *testing.T) {
	t.Helper()
	Init()
	saved := struct {
		trim, top, mmapT, mmapM, fast, tcCount, tcBins, tcLimit int
		noDyn                                                   bool
		perturb                                                 byte
	}{
		mp.trimThreshold, mp.topPad, mp.mmapThreshold, mp.mmapMax,
		mp.maxFast, mp.tcacheCount, mp.tcacheBins, mp.tcacheUnsortedLimit,
		mp.noDynThreshold, mp.perturb,
	}
	t.Cleanup(func() {
		mp.trimThreshold, mp.topPad, mp.mmapThreshold, mp.mmapMax = saved.trim, saved.top, saved.mmapT, saved.mmapM
		mp.maxFast, mp.tcacheCount, mp.tcacheBins, mp.tcacheUnsortedLimit = saved.fast, saved.tcCount, saved.tcBins, saved.tcLimit
		mp.noDynThreshold, mp.perturb = saved.noDyn, saved.perturb
	})
}

// interceptFatal turns the process abort into a panic the test can observe.
type corruptionTag string

func interceptFatal(t *testing.T) {
	t.Helper()
	old := fatal
	fatal = func(tag string) { panic(corruptionTag(tag)) }
	t.Cleanup(func() { fatal = old })
}

// expectFatal runs f and asserts it dies with the given tag.
func expectFatal(t *testing.T, tag string, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected abort %q", tag)
		got, ok := r.(corruptionTag)
		require.True(t, ok, "unexpected panic %v", r)
		assert.Equal(t, tag, string(got))
	}()
	f()
}

func TestMallocBasic(t *testing.T) {
	resetParams(t)

	p := Malloc(100)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)&uintptr(chunk.AlignMask), "quantum alignment")
	assert.GreaterOrEqual(t, UsableSize(p), 100)

	// The payload is ours to scribble on.
	b := unsafe.Slice((*byte)(p), 100)
	for i := range b {
		b[i] = byte(i)
	}
	Free(p)

	// Zero-size requests yield a real, releasable allocation.
	z := Malloc(0)
	require.NotNil(t, z)
	assert.GreaterOrEqual(t, UsableSize(z), chunk.MinSize-chunk.HeaderSize)
	Free(z)

	// Overflowing requests fail cleanly.
	assert.Nil(t, Malloc(chunk.MaxRequest+1))

	Free(nil) // no-op
}

func TestFastbinRecycleLIFO(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0 // expose the fast bins directly

	p1 := Malloc(24)
	p2 := Malloc(24)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	Free(p1)
	Free(p2)

	// LIFO: the most recently freed chunk comes back first.
	p3 := Malloc(24)
	p4 := Malloc(24)
	assert.Equal(t, p2, p3)
	assert.Equal(t, p1, p4)
	Free(p3)
	Free(p4)
}

func TestFastCeilingBoundary(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0

	// A request at the ceiling is fast-bin eligible; one past it is not.
	atCeiling, _ := chunk.Request2Size(chunk.DefaultFastCeiling)
	assert.LessOrEqual(t, atCeiling, mp.maxFast)
	overCeiling, _ := chunk.Request2Size(chunk.DefaultFastCeiling + 1)
	assert.Greater(t, overCeiling, mp.maxFast)

	p := Malloc(chunk.DefaultFastCeiling)
	ch := chunk.FromMem(p)
	Free(p)
	ar := arenaForChunk(ch)
	idx := chunk.FastIndex(ch.Size())
	assert.Equal(t, uintptr(ch), ar.fastbin(idx).Load(), "freed at the ceiling lands on a fast bin")

	p = Malloc(chunk.DefaultFastCeiling)
	assert.Equal(t, uintptr(0), ar.fastbin(idx).Load())
	Free(p)
}

func TestTcacheBoundedLIFO(t *testing.T) {
	resetParams(t)

	const n = 10
	var ptrs [n]unsafe.Pointer
	for i := range ptrs {
		ptrs[i] = Malloc(40)
		require.NotNil(t, ptrs[i])
	}
	nb, _ := chunk.Request2Size(40)
	idx := chunk.TcacheIndex(nb)
	tc := tls.Get().tc

	for _, p := range ptrs {
		Free(p)
	}
	assert.Equal(t, mp.tcacheCount, int(tc.counts[idx]),
		"bucket fills to its cap, the rest spills to the arena")

	// The first seven come back in LIFO order: the last chunks cached.
	for i := 1; i <= mp.tcacheCount; i++ {
		got := Malloc(40)
		assert.Equal(t, ptrs[mp.tcacheCount-i], got, "pop %d", i)
	}
	// The spilled ones still come back from the arena tiers.
	rest := map[unsafe.Pointer]bool{}
	for i := mp.tcacheCount; i < n; i++ {
		rest[ptrs[i]] = true
	}
	for i := mp.tcacheCount; i < n; i++ {
		got := Malloc(40)
		assert.True(t, rest[got], "spilled chunk recycled")
		delete(rest, got)
	}
	for range n {
		// Leave a clean slate.
		Free(Malloc(40))
	}
}

func TestDoubleFreeTcache(t *testing.T) {
	resetParams(t)
	interceptFatal(t)

	p := Malloc(24)
	require.NotNil(t, p)
	Free(p)
	expectFatal(t, "free(): double free detected in tcache 2", func() {
		Free(p)
	})
	// p is still cached exactly once; reclaim it.
	assert.Equal(t, p, Malloc(24))
	Free(p)
}

func TestDoubleFreeFasttop(t *testing.T) {
	resetParams(t)
	interceptFatal(t)
	mp.tcacheCount = 0

	p := Malloc(24)
	require.NotNil(t, p)
	Free(p)
	expectFatal(t, "double free or corruption (fasttop)", func() {
		Free(p)
	})

	// The chunk sits on its fast bin exactly once.
	c := chunk.FromMem(p)
	ar := arenaForChunk(c)
	idx := chunk.FastIndex(c.Size())
	assert.Equal(t, uintptr(c), ar.fastbin(idx).Load())
	assert.True(t, chunk.Ptr(ar.fastbin(idx).Load()).Fd().IsNil() ||
		chunk.Ptr(ar.fastbin(idx).Load()).Fd() != c, "no self loop")
}

func TestFreeInvalidPointer(t *testing.T) {
	resetParams(t)
	interceptFatal(t)

	p := Calloc(1, 64) // zeroed payload makes the forged header deterministic
	require.NotNil(t, p)
	expectFatal(t, "free(): invalid pointer", func() {
		Free(unsafe.Add(p, 8))
	})
	Free(p)
}

func TestSmallbinCoalesceFIFO(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	const req = 472 // chunk size 480, small range
	nb, _ := chunk.Request2Size(req)

	p1 := Malloc(req)
	p2 := Malloc(req)
	guard := Malloc(req) // keeps p2 off the top chunk
	require.NotNil(t, guard)

	c1 := chunk.FromMem(p1)
	c2 := chunk.FromMem(p2)
	require.Equal(t, c1.ByteAdd(nb), c2, "carved back to back from the top")

	Free(p1)
	Free(p2) // backward-coalesces into p1's chunk

	ar := arenaForChunk(c1)
	ar.mu.Lock()
	staged := ar.unsortedBin().Fd()
	assert.Equal(t, c1, staged, "merged chunk staged at the lower address")
	assert.Equal(t, 2*nb, staged.Size(), "sizes added, no headers lost")
	ar.mu.Unlock()

	// A request for the combined size gets the merged chunk back.
	p3 := Malloc(2*nb - chunk.Word)
	assert.Equal(t, p1, p3)
	Free(p3)
	Free(guard)
}

func TestLargeBestFitSplit(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0

	const req = 0x10000
	nb, _ := chunk.Request2Size(req) // 0x10010

	p := Malloc(req)
	guard := Malloc(64)
	require.NotNil(t, guard)
	c := chunk.FromMem(p)
	Free(p) // staged unsorted; too big for a fast bin

	p2 := Malloc(0x400)
	assert.Equal(t, p, p2, "split happens at the base of the freed block")
	c2 := chunk.FromMem(p2)
	split, _ := chunk.Request2Size(0x400)
	assert.Equal(t, split, c2.Size())

	// The excess is staged on the unsorted queue for the next scan.
	ar := arenaForChunk(c)
	ar.mu.Lock()
	rem := ar.unsortedBin().Fd()
	assert.Equal(t, c.ByteAdd(split), rem)
	assert.Equal(t, nb-split, rem.Size())
	ar.mu.Unlock()

	Free(p2)
	Free(guard)
}

func TestLargeBinOrdering(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0

	// Three distinct large sizes sharing one 64-byte-wide bin, plus a
	// duplicate. Freeing and forcing a bin pass must keep the skip ring
	// strictly decreasing with one representative per size.
	sizes := []int{1288, 1320, 1304, 1320} // chunks 1296, 1328, 1312, 1328
	ptrs := make([]unsafe.Pointer, len(sizes))
	guards := make([]unsafe.Pointer, len(sizes))
	for i, s := range sizes {
		ptrs[i] = Malloc(s)
		guards[i] = Malloc(64)
	}
	for _, p := range ptrs {
		Free(p)
	}
	// A big request bins everything on its way through the unsorted queue.
	big := Malloc(0x80000)
	require.NotNil(t, big)

	ar := &mainArena
	ar.mu.Lock()
	bin := ar.binAt(chunk.LargeIndex(1296))
	first := bin.Fd()
	require.NotEqual(t, bin, first, "bin must be populated")
	prev := first.Size() + 1
	count := 0
	for rep := first; ; rep = rep.FdNextsize() {
		assert.Less(t, rep.Size(), prev, "skip ring strictly decreasing")
		prev = rep.Size()
		count++
		require.LessOrEqual(t, count, len(sizes), "ring must close")
		if rep.FdNextsize() == first {
			break
		}
	}
	assert.Equal(t, 3, count, "one representative per distinct size")
	ar.mu.Unlock()

	Free(big)
	for i := range ptrs {
		// Drain the binned chunks so later tests start clean-ish.
		Free(Malloc(sizes[i]))
		Free(guards[i])
	}
}

func TestOversizeMmapIsolation(t *testing.T) {
	resetParams(t)

	n := 2 * mp.mmapThreshold
	p := Malloc(n)
	require.NotNil(t, p)
	ch := chunk.FromMem(p)
	assert.True(t, ch.IsMapped())
	assert.False(t, ch.NonMain())
	assert.Equal(t, ch.Size()-chunk.HeaderSize, UsableSize(p))
	assert.GreaterOrEqual(t, UsableSize(p), n)

	before := mp.nMmaps.Load()
	assert.GreaterOrEqual(t, before, int64(1))
	Free(p)
	assert.Equal(t, before-1, mp.nMmaps.Load())
}

func TestDynamicMmapThreshold(t *testing.T) {
	resetParams(t)

	n := 2 * mp.mmapThreshold
	p := Malloc(n)
	require.NotNil(t, p)
	sz := chunk.FromMem(p).Size()
	Free(p)
	assert.Equal(t, sz, mp.mmapThreshold, "threshold adapts to the released mapping")
	assert.Equal(t, 2*sz, mp.trimThreshold)

	// A pinned threshold stays pinned.
	mp.noDynThreshold = true
	mp.mmapThreshold = defaultMmapThreshold
	p = Malloc(n)
	Free(p)
	assert.Equal(t, defaultMmapThreshold, mp.mmapThreshold)
}

func TestMunmapForgedPointer(t *testing.T) {
	resetParams(t)
	interceptFatal(t)

	n := 2 * mp.mmapThreshold
	p := Malloc(n)
	require.NotNil(t, p)
	ch := chunk.FromMem(p)

	// Pretend the mapping started a page earlier: registry disagrees.
	ch.SetPrevSize(4096)
	expectFatal(t, "munmap_chunk(): invalid pointer", func() {
		Free(p)
	})
	ch.SetPrevSize(0)
	Free(p)
}

func TestReallocForwardInPlace(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	// Bigger than any free chunk earlier tests can have left behind, so
	// both blocks are carved back to back from the top chunk.
	const req = 0x11000
	nb, _ := chunk.Request2Size(req)
	p1 := Malloc(req)
	p2 := Malloc(req)
	guard := Malloc(64)
	require.NotNil(t, guard)
	require.Equal(t, chunk.FromMem(p1).ByteAdd(nb), chunk.FromMem(p2),
		"blocks must be physical neighbors for this scenario")

	b := unsafe.Slice((*byte)(p1), 64)
	for i := range b {
		b[i] = byte(i ^ 0x2a)
	}

	Free(p2)
	p3 := Realloc(p1, req+2000)
	assert.Equal(t, p1, p3, "forward extension into the freed neighbor")
	for i := range b {
		assert.Equal(t, byte(i^0x2a), b[i])
	}
	Free(p3)
	Free(guard)
}

func TestReallocShrinkInPlace(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	p := Malloc(256)
	guard := Malloc(64)
	old := chunk.FromMem(p).Size()
	q := Realloc(p, 64)
	assert.Equal(t, p, q)
	assert.Less(t, chunk.FromMem(q).Size(), old, "tail released")
	Free(q)
	Free(guard)
}

func TestReallocGrowIntoTop(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	// Big enough to come off the top; nothing is allocated in between, so
	// the successor is still the wilderness when we grow.
	mp.mmapThreshold = 1 << 24
	mp.noDynThreshold = true
	p := Malloc(0x80000)
	require.NotNil(t, p)
	ch := chunk.FromMem(p)
	ar := arenaForChunk(ch)
	require.Equal(t, ar.top, ch.ByteAdd(ch.Size()), "fresh carve abuts the top")

	q := Realloc(p, 0x90000)
	assert.Equal(t, p, q, "wilderness absorbs the growth in place")
	Free(q)
}

func TestReallocCopySemantics(t *testing.T) {
	resetParams(t)

	p := Malloc(48)
	b := unsafe.Slice((*byte)(p), 48)
	for i := range b {
		b[i] = byte(200 - i)
	}
	// Far too big to extend in place past unrelated allocations.
	guard := Malloc(64)
	q := Realloc(p, 1<<16)
	require.NotNil(t, q)
	nb := unsafe.Slice((*byte)(q), 48)
	for i := range nb {
		assert.Equal(t, byte(200-i), nb[i], "prefix preserved across the move")
	}
	Free(q)
	Free(guard)

	// Realloc(nil, n) allocates; Realloc(p, 0) frees and returns nil.
	r := Realloc(nil, 32)
	require.NotNil(t, r)
	assert.Nil(t, Realloc(r, 0))
}

func TestMemalign(t *testing.T) {
	resetParams(t)

	p := Memalign(4096, 128)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)&4095)
	assert.GreaterOrEqual(t, UsableSize(p), 128)
	b := unsafe.Slice((*byte)(p), 128)
	b[0], b[127] = 1, 2
	Free(p)

	// Non-power-of-two alignments round up.
	p = Memalign(3000, 64)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)&4095)
	Free(p)

	// At or below the quantum this is just Malloc.
	p = Memalign(8, 64)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)&uintptr(chunk.AlignMask))
	Free(p)

	// Absurd alignment fails cleanly.
	assert.Nil(t, Memalign(chunk.MaxRequest+1, 8))
}

func TestMemalignSlackIsReusable(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	p := Memalign(1024, 200)
	require.NotNil(t, p)
	ch := chunk.FromMem(p)
	assert.False(t, ch.IsMapped())

	// The leading slack went back to the allocator as an ordinary free
	// chunk: boundary tags around p must be coherent.
	if !ch.PrevInUse() {
		prev := ch.Prev()
		assert.Equal(t, prev.Size(), ch.PrevSize())
	}
	Free(p)
}

func TestTrimIdempotent(t *testing.T) {
	resetParams(t)
	mp.mmapThreshold = 1 << 24 // keep the big block in the arena
	mp.noDynThreshold = true
	mp.trimThreshold = 1 << 30 // no auto-trim on free; Trim is explicit here

	p := Malloc(2 << 20)
	require.NotNil(t, p)
	require.False(t, chunk.FromMem(p).IsMapped())
	Free(p)

	ar := &mainArena
	ar.mu.Lock()
	first := ar.systrim(0)
	second := ar.systrim(0)
	ar.mu.Unlock()
	assert.True(t, first, "a fat top returns pages")
	assert.False(t, second, "nothing left the second time")

	// The public entry stays usable afterwards.
	_ = Trim(0)
	q := Malloc(128)
	require.NotNil(t, q)
	Free(q)
}

func TestCorruptedUnsortedSize(t *testing.T) {
	resetParams(t)
	interceptFatal(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	p := Malloc(600)
	guard := Malloc(64)
	require.NotNil(t, guard)
	ch := chunk.FromMem(p)
	Free(p) // staged on the unsorted queue

	nb, _ := chunk.Request2Size(600)
	savedHead := ch.Head()
	ch.SetHead(8, chunk.FlagPrevInUse)

	ar := &mainArena
	ar.mu.Lock()
	expectFatal(t, "malloc(): invalid size (unsorted)", func() {
		ar.allocCore(nb)
	})
	// Repair and retry: the drain never got to mutate anything.
	ch.SetHead(int(savedHead&^uintptr(7)), savedHead&uintptr(7))
	got := ar.allocCore(nb)
	ar.mu.Unlock()
	assert.Equal(t, ch, got)
	Free(got)
	Free(guard)
}

func TestCorruptedSmallbinLink(t *testing.T) {
	resetParams(t)
	interceptFatal(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	// Park a chunk in its exact-size bin, clobber its back link, and take
	// the small-bin allocation path.
	const req = 300 // chunk 320, unique to this test
	nb, _ := chunk.Request2Size(req)
	p := Malloc(req)
	guard := Calloc(1, 64) // zeroed: the forged link will read its payload
	require.NotNil(t, guard)
	c := chunk.FromMem(p)

	Free(p)
	Free(Malloc(2048)) // a cross-class request drains unsorted into the bins

	savedBk := c.Bk()
	c.SetBk(chunk.FromMem(guard))

	ar := &mainArena
	ar.mu.Lock()
	expectFatal(t, "malloc(): smallbin double linked list corrupted", func() {
		ar.allocCore(nb)
	})
	c.SetBk(savedBk)
	got := ar.allocCore(nb)
	ar.mu.Unlock()
	assert.Equal(t, c, got)
	Free(got)
	Free(guard)
}

func TestCorruptedUnlink(t *testing.T) {
	resetParams(t)
	interceptFatal(t)
	mp.tcacheCount = 0
	mp.maxFast = 0

	// A large-bin best fit unlinks its victim; a clobbered forward link
	// must be caught before any splice.
	const req = 3048 // chunk 3056, unique to this test
	nb, _ := chunk.Request2Size(req)
	p := Malloc(req)
	guard := Calloc(1, 64) // zeroed: the forged link will read its payload
	require.NotNil(t, guard)
	c := chunk.FromMem(p)

	Free(p)
	Free(Malloc(8192)) // drain unsorted so c lands in its large bin

	savedFd := c.Fd()
	c.SetFd(chunk.FromMem(guard)) // readable, but its bk is not c

	ar := &mainArena
	ar.mu.Lock()
	expectFatal(t, "corrupted double-linked list", func() {
		ar.allocCore(nb)
	})
	c.SetFd(savedFd)
	got := ar.allocCore(nb)
	ar.mu.Unlock()
	assert.Equal(t, c, got)
	Free(got)
	Free(guard)
}

func TestMalloptBounds(t *testing.T) {
	resetParams(t)

	assert.True(t, Mallopt(ParamFastCeiling, 64))
	assert.False(t, Mallopt(ParamFastCeiling, chunk.MaxFastCeiling+1))
	assert.True(t, Mallopt(ParamFastCeiling, 0), "zero disables fast bins")
	assert.Equal(t, 0, mp.maxFast)

	assert.True(t, Mallopt(ParamTrimThreshold, -1), "-1 disables auto-trim")
	assert.False(t, Mallopt(ParamTopPad, -1))
	assert.True(t, Mallopt(ParamMmapThreshold, 1<<20))
	assert.True(t, mp.noDynThreshold, "explicit threshold pins it")
	assert.False(t, Mallopt(ParamMmapMax, -2))
	assert.True(t, Mallopt(ParamPerturb, 0xa5))
	assert.True(t, Mallopt(ParamTcacheCount, 3))
	assert.False(t, Mallopt(ParamTcacheCount, 1<<20))
	assert.True(t, Mallopt(ParamTcacheMax, 512))
	assert.False(t, Mallopt(ParamTcacheMax, 1<<20))
	assert.False(t, Mallopt(Param(999), 1))
}

func TestPerturb(t *testing.T) {
	resetParams(t)
	mp.tcacheCount = 0
	mp.perturb = 0xa5

	p := Malloc(64)
	require.NotNil(t, p)
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		assert.Equal(t, byte(0xa5^0xff), b[i], "fresh memory carries the perturb fill")
	}
	Free(p)

	// Calloc must stay zero regardless.
	q := Calloc(4, 16)
	require.NotNil(t, q)
	qb := unsafe.Slice((*byte)(q), 64)
	for i := range qb {
		assert.Equal(t, byte(0), qb[i])
	}
	Free(q)
}

func TestCalloc(t *testing.T) {
	resetParams(t)

	p := Calloc(7, 9)
	require.NotNil(t, p)
	b := unsafe.Slice((*byte)(p), 63)
	for i := range b {
		assert.Equal(t, byte(0), b[i])
	}
	Free(p)

	assert.Nil(t, Calloc(1<<40, 1<<40), "product overflow")
	assert.Nil(t, Calloc(-1, 8))
}

func TestStatsCounters(t *testing.T) {
	resetParams(t)

	st := Stats()
	assert.GreaterOrEqual(t, st.Arenas, 1)
	assert.Positive(t, st.SystemBytes)
	assert.GreaterOrEqual(t, st.MaxSystemBytes, st.SystemBytes)

	p := Malloc(2 * mp.mmapThreshold)
	require.NotNil(t, p)
	st = Stats()
	assert.GreaterOrEqual(t, st.MmapRegions, 1)
	assert.Positive(t, st.MmapBytes)
	Free(p)
}
