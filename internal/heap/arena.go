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

package heap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
	"github.com/go-freestore/freestore/internal/mem"
	"github.com/go-freestore/freestore/internal/xunsafe"
)

// Arena is one independent allocator instance: a mutex, the fast bins, the
// bin table with its binmap, the top chunk, and the backing memory.
//
// The field order of top, lastRemainder, bins is load-bearing: binAt poses
// the bin table as a row of chunk headers, and bin 1's fake header starts
// sixteen bytes before the table.
type Arena struct {
	_  xunsafe.NoCopy
	mu sync.Mutex

	// haveFast is set on every fast-bin push and cleared by consolidate.
	haveFast atomic.Bool
	fastBins [chunk.NFastBins]atomic.Uintptr

	top           chunk.Ptr
	lastRemainder chunk.Ptr
	bins          [2 * (chunk.NBins - 2)]chunk.Ptr
	binmap        [chunk.BinmapSize]uint32

	next     *Arena // circular live list, guarded by listMu
	nextFree *Arena // detached-arena free list, guarded by listMu
	attached int    // attached goroutines, guarded by listMu

	nonContiguous bool

	// systemMem is read by the lock-free fast-bin release path, so it is
	// atomic; every write happens under the arena mutex.
	systemMem    atomic.Int64
	maxSystemMem int

	region *mem.Region        // main arena: the contiguous backing region
	heaps  xunsafe.Addr[byte] // non-main: base of the most recent heap

	index int // position in creation order, for debug traces
}

var (
	mainArena Arena

	listMu    sync.Mutex
	narenas   = 1
	freeList  *Arena
	nextToUse *Arena

	initOnce sync.Once
)

// Init initializes the process-wide allocator state. It is cheap to call
// repeatedly; every public entry calls it.
func Init() {
	initOnce.Do(func() {
		initParams()
		initTcacheKey()
		mainArena.initBins()
		mainArena.next = &mainArena
		nextToUse = &mainArena
		debug.Log(nil, "init", "maxFast=%d mmapThreshold=%d", mp.maxFast, mp.mmapThreshold)
	})
}

func (ar *Arena) isMain() bool { return ar == &mainArena }

// arenaBit is the A flag for chunks carved from this arena.
func (ar *Arena) arenaBit() uintptr {
	if ar.isMain() {
		return 0
	}
	return chunk.FlagNonMain
}

func (ar *Arena) logsTo() []any {
	return []any{"arena%d", ar.index}
}

// lockArena returns a locked arena for a request of nb bytes, attaching the
// calling goroutine to it.
func lockArena(nb int) *Arena {
	if ts := tls.Get(); ts.arena != nil {
		ts.arena.mu.Lock()
		return ts.arena
	}
	return arenaGet2(nb, nil)
}

// arenaGet2 is the slow path of arena selection: reuse a parked arena, take
// any live arena whose lock is free, create a new one while under the cap,
// or fall back to round-robin over the live list. avoid, if non-nil, is only
// returned when it is the sole live arena.
func arenaGet2(nb int, avoid *Arena) *Arena {
	listMu.Lock()

	// The first goroutine to allocate claims the main arena.
	if mainArena.attached == 0 {
		mainArena.attached++
		listMu.Unlock()
		mainArena.mu.Lock()
		attachThread(&mainArena)
		return &mainArena
	}

	if a := freeList; a != nil {
		freeList = a.nextFree
		a.nextFree = nil
		a.attached++
		listMu.Unlock()
		a.mu.Lock()
		attachThread(a)
		return a
	}

	// An uncontended live arena is taken before a new one is created. The
	// free list is empty here, so every arena on the ring is attached.
	for a := &mainArena; ; a = a.next {
		if a != avoid && a.mu.TryLock() {
			a.attached++
			listMu.Unlock()
			attachThread(a)
			return a
		}
		if a.next == &mainArena {
			break
		}
	}

	limit := narenasLimit()
	if narenas <= mp.arenaTest || narenas < limit {
		a := newArena(nb)
		if a != nil {
			narenas++
			a.index = narenas - 1
			a.next = mainArena.next
			mainArena.next = a
			a.attached++
			listMu.Unlock()
			a.mu.Lock()
			attachThread(a)
			return a
		}
		// Creation failed; fall through to reuse.
	}
	listMu.Unlock()
	return reusedArena(avoid)
}

// reusedArena walks the circular arena list trying each lock, starting at
// the round-robin cursor, and moves the cursor past the arena it picks. If
// every arena is busy it blocks on the cursor's arena, or on the one after
// it when that is avoid. avoid, if non-nil, is skipped (it just failed to
// satisfy us).
func reusedArena(avoid *Arena) *Arena {
	listMu.Lock()
	start := nextToUse
	a := start
	locked := false
	for {
		if a != avoid && a.mu.TryLock() {
			locked = true
			break
		}
		a = a.next
		if a == start {
			break
		}
	}
	if !locked && a == avoid {
		a = a.next
	}
	nextToUse = a.next
	a.attached++
	listMu.Unlock()

	if !locked {
		// All locks busy: block on the next arena in line.
		a.mu.Lock()
	}
	attachThread(a)
	return a
}

// nextArena reads the circular-list successor under the list lock, so
// walkers do not race arena creation.
func (ar *Arena) nextArena() *Arena {
	listMu.Lock()
	n := ar.next
	listMu.Unlock()
	return n
}

// retryArena implements the one-retry policy after an out-of-memory result:
// a non-main arena retries on the main arena (which may extend the
// contiguous heap), the main arena retries on some other arena (which may
// page-map a fresh heap).
func retryArena(failed *Arena, nb int) *Arena {
	debug.Log(failed.logsTo(), "retry", "nb=%d", nb)
	if !failed.isMain() {
		mainArena.mu.Lock()
		return &mainArena
	}
	return arenaGet2(nb, failed)
}

func attachThread(a *Arena) {
	ts := tls.Get()
	if old := ts.arena; old != nil && old != a {
		detachArena(old)
	}
	ts.arena = a
	ts.tc.arena = a
}

// detachArena drops one attachment; the last detachment parks the arena on
// the free list for the next arena-less goroutine.
func detachArena(a *Arena) {
	if a == nil || a.isMain() {
		return
	}
	listMu.Lock()
	a.attached--
	if a.attached == 0 {
		a.nextFree = freeList
		freeList = a
	}
	listMu.Unlock()
}

// newArena maps a fresh heap and sets up an arena whose top chunk covers it.
// Called with listMu held. Returns nil if the OS refuses memory.
func newArena(nb int) *Arena {
	h := newHeap(nb + chunk.MinSize + heapInfoSize + mp.topPad)
	if h == nil {
		return nil
	}

	a := new(Arena)
	a.initBins()
	arenas = append(arenas, a) // immortal; raw back-pointers rely on this
	// The heap header keeps only an integer back-pointer the GC cannot
	// trace, so the arena must be pinned to the heap before it is stored.
	h.arena = uintptr(unsafe.Pointer(xunsafe.Escape(a)))
	a.heaps = h.base()

	top := chunk.FromAddr(h.base().ByteAdd(heapInfoSize))
	top.SetHead(h.size-heapInfoSize, chunk.FlagPrevInUse)
	a.top = top
	a.systemMem.Store(int64(h.size))
	a.maxSystemMem = h.size

	debug.Log(a.logsTo(), "new arena", "heap=%v size=%d", h.base(), h.size)
	return a
}

// arenas pins every non-main arena for the life of the process, so the raw
// arena pointers stored in heap headers can never dangle.
var arenas []*Arena

// arenaForChunk recovers the owning arena of a non-mapped chunk.
func arenaForChunk(p chunk.Ptr) *Arena {
	if p.NonMain() {
		return heapForPtr(p).ar()
	}
	return &mainArena
}

// Non-main heap geometry. Heaps are aligned to their maximum size so a bit
// mask on any chunk address recovers the heap header; that constrains every
// heap to exactly heapMax of reserved address space.
const (
	heapMin = 32 * 1024
	heapMax = 64 * 1024 * 1024
)

// heapInfo sits at the base of every non-main heap.
type heapInfo struct {
	arena     uintptr // the owning *Arena, pinned by the arenas slice
	prev      uintptr // base of the previous heap in the arena's chain
	size      int     // bytes in use by the allocator, from the base
	committed int     // bytes made accessible, >= size
}

// heapInfoSize is the chunk-aligned header overhead at the base of a heap.
const heapInfoSize = (int(unsafe.Sizeof(heapInfo{})) + chunk.AlignMask) &^ chunk.AlignMask

func (h *heapInfo) base() xunsafe.Addr[byte] {
	return xunsafe.AddrOf(xunsafe.Cast[byte](h))
}

func (h *heapInfo) ar() *Arena {
	return xunsafe.Cast[Arena](xunsafe.Addr[byte](h.arena).AssertValid())
}

func (h *heapInfo) prevHeap() *heapInfo {
	if h.prev == 0 {
		return nil
	}
	return xunsafe.Cast[heapInfo](xunsafe.Addr[byte](h.prev).AssertValid())
}

// heapForPtr masks a chunk address down to its heap header.
func heapForPtr(p chunk.Ptr) *heapInfo {
	base := p.Addr().RoundDownTo(heapMax)
	return xunsafe.Cast[heapInfo](base.AssertValid())
}

// newHeap reserves an aligned heap and commits enough pages for size bytes.
func newHeap(size int) *heapInfo {
	if size < heapMin {
		size = heapMin
	}
	size = mem.PageAlign(size)
	if size > heapMax {
		return nil
	}

	base, err := mem.ReserveAligned(heapMax, heapMax)
	if err != nil {
		return nil
	}
	if err := mem.CommitRange(base, size); err != nil {
		_ = mem.Unmap(base, heapMax)
		return nil
	}

	h := xunsafe.Cast[heapInfo](base.AssertValid())
	h.size = size
	h.committed = size
	return h
}

// growHeap extends a heap's usable extent by at least diff bytes,
// committing further pages as needed.
func growHeap(h *heapInfo, diff int) bool {
	newSize := mem.PageAlign(h.size + diff)
	if newSize > heapMax {
		return false
	}
	if newSize > h.committed {
		if err := mem.CommitRange(h.base().ByteAdd(h.committed), newSize-h.committed); err != nil {
			return false
		}
		h.committed = newSize
	}
	h.size = newSize
	return true
}

// shrinkHeap gives diff bytes back to the OS from the heap's tail.
func shrinkHeap(h *heapInfo, diff int) bool {
	newSize := h.size - diff
	if newSize < heapInfoSize {
		return false
	}
	if err := mem.DecommitRange(h.base().ByteAdd(newSize), h.committed-newSize); err != nil {
		return false
	}
	h.size = newSize
	h.committed = newSize
	return true
}

// deleteHeap unmaps an entire heap.
func deleteHeap(h *heapInfo) {
	_ = mem.Unmap(h.base(), heapMax)
}
