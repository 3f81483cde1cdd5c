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
	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
	"github.com/go-freestore/freestore/internal/mem"
)

// mmapAsMorecoreSize is the minimum standalone mapping used when the
// contiguous heap cannot extend.
const mmapAsMorecoreSize = 1 << 20

// sysAlloc acquires memory from the OS to satisfy nb bytes: an isolated
// mapping for oversize requests, otherwise an extension of this arena's
// backing memory followed by a carve from the top chunk. Called with the
// arena locked.
func (ar *Arena) sysAlloc(nb int) chunk.Ptr {
	if nb >= mp.mmapThreshold && int(mp.nMmaps.Load()) < mp.mmapMax {
		if p := sysMmap(nb); !p.IsNil() {
			return p
		}
	}

	oldTop := ar.top
	oldSize := 0
	if !oldTop.IsNil() {
		oldSize = oldTop.Size()
	}

	if !ar.isMain() {
		if !ar.growNonMain(oldTop, oldSize, nb) {
			// A heap cannot hold it; a raw mapping still can, threshold or
			// not.
			return sysMmap(nb)
		}
	} else if !ar.growMain(oldTop, oldSize, nb) {
		return sysMmap(nb)
	}

	if sm := int(ar.systemMem.Load()); sm > ar.maxSystemMem {
		ar.maxSystemMem = sm
	}

	top := ar.top
	size := top.Size()
	if size >= nb+chunk.MinSize {
		remainder := top.ByteAdd(nb)
		ar.top = remainder
		remainder.SetHead(size-nb, chunk.FlagPrevInUse)
		top.SetHead(nb, chunk.FlagPrevInUse|ar.arenaBit())
		debug.Log(ar.logsTo(), "sysalloc", "%v:%d", top.Addr(), nb)
		return top
	}
	return 0
}

// growMain extends the main arena's contiguous region, falling back to a
// standalone mapping with fenceposts when the reservation is exhausted.
func (ar *Arena) growMain(oldTop chunk.Ptr, oldSize, nb int) bool {
	if ar.region == nil {
		r, err := mem.Reserve(mainReserve)
		if err != nil {
			return false
		}
		ar.region = r
	}

	need := nb + mp.topPad + chunk.MinSize
	if !ar.nonContiguous {
		need -= oldSize
	}
	need = mem.PageAlign(need)

	contiguous := !ar.nonContiguous &&
		(oldTop.IsNil() || oldTop.Addr().ByteAdd(oldSize) == ar.region.End())

	if contiguous && ar.region.Commit(ar.region.Committed()+need) == nil {
		if oldTop.IsNil() {
			ar.top = chunk.FromAddr(ar.region.Base())
			ar.top.SetHead(ar.region.Committed(), chunk.FlagPrevInUse)
		} else {
			oldTop.SetHead(oldSize+need, chunk.FlagPrevInUse)
		}
		ar.systemMem.Add(int64(need))
		debug.Log(ar.logsTo(), "extend", "top=%v +%d", ar.top.Addr(), need)
		return true
	}

	// The contiguous primitive failed: page-map a standalone region and
	// fence off the old top so nothing coalesces across the gap.
	mapSize := nb + chunk.MinSize + mp.topPad
	if mapSize < mmapAsMorecoreSize {
		mapSize = mmapAsMorecoreSize
	}
	base, n, err := mem.Map(mapSize)
	if err != nil {
		return false
	}
	ar.nonContiguous = true

	if oldSize != 0 {
		ar.fencepostOldTop(oldTop, oldSize)
	}

	ar.top = chunk.FromAddr(base)
	ar.top.SetHead(n, chunk.FlagPrevInUse)
	ar.systemMem.Add(int64(n))
	debug.Log(ar.logsTo(), "extend noncontig", "top=%v:%d", base, n)
	return true
}

// fencepostOldTop shrinks a stranded top chunk and caps it with two
// minimal in-use chunks, then releases what remains. The fenceposts keep
// the coalescer from ever walking across the discontinuity.
func (ar *Arena) fencepostOldTop(oldTop chunk.Ptr, oldSize int) {
	adj := (oldSize - 2*chunk.HeaderSize) &^ chunk.AlignMask
	oldTop.SetHead(adj, chunk.FlagPrevInUse)
	oldTop.ByteAdd(adj).SetHead(chunk.HeaderSize, chunk.FlagPrevInUse)
	oldTop.ByteAdd(adj + chunk.HeaderSize).SetHead(chunk.HeaderSize, chunk.FlagPrevInUse)
	if adj >= chunk.MinSize {
		ar.freeCore(oldTop, true)
	}
}

// growNonMain grows the arena's current heap in place, or chains a fresh
// heap and turns the stranded top into a fencepost-terminated free chunk.
func (ar *Arena) growNonMain(oldTop chunk.Ptr, oldSize, nb int) bool {
	h := heapForPtr(oldTop)

	if before := h.size; growHeap(h, nb+chunk.MinSize) {
		diff := h.size - before
		ar.systemMem.Add(int64(diff))
		oldTop.SetHead(oldSize+diff, chunk.FlagPrevInUse)
		debug.Log(ar.logsTo(), "grow heap", "%v +%d", h.base(), diff)
		return true
	}

	h2 := newHeap(nb + chunk.MinSize + heapInfoSize + mp.topPad)
	if h2 == nil {
		return false
	}
	h2.arena = h.arena
	h2.prev = uintptr(h.base())
	ar.heaps = h2.base()
	ar.systemMem.Add(int64(h2.size))

	top := chunk.FromAddr(h2.base().ByteAdd(heapInfoSize))
	top.SetHead(h2.size-heapInfoSize, chunk.FlagPrevInUse)
	ar.top = top

	// Fencepost the old heap's tail: a minimal in-use chunk with a footer
	// (it may become the top again if this heap is trimmed away) capped by
	// a zero-size head.
	adj := (oldSize - chunk.MinSize) &^ chunk.AlignMask
	oldTop.ByteAdd(adj + chunk.HeaderSize).SetHead(0, chunk.FlagPrevInUse)
	if adj >= chunk.MinSize {
		fence := oldTop.ByteAdd(adj)
		fence.SetHead(chunk.HeaderSize, chunk.FlagPrevInUse)
		fence.SetFoot(chunk.HeaderSize)
		oldTop.SetHead(adj, chunk.FlagPrevInUse|chunk.FlagNonMain)
		ar.freeCore(oldTop, true)
	} else {
		oldTop.SetHead(adj+chunk.HeaderSize, chunk.FlagPrevInUse)
		oldTop.SetFoot(adj + chunk.HeaderSize)
	}

	debug.Log(ar.logsTo(), "new heap", "%v:%d", h2.base(), h2.size)
	return true
}

// sysMmap serves one request with an isolated page mapping carrying the M
// flag. Mapped chunks never touch a bin and never coalesce.
func sysMmap(nb int) chunk.Ptr {
	if mp.mmapMax <= 0 {
		return 0
	}
	want := mem.PageAlign(nb + chunk.Word)
	if want < nb {
		return 0
	}
	base, n, err := mem.Map(want)
	if err != nil {
		return 0
	}

	p := chunk.FromAddr(base)
	p.SetPrevSize(0)
	p.SetHead(n, chunk.FlagMapped)
	mappedRegions.Store(uintptr(base), n)

	nm := mp.nMmaps.Add(1)
	if nm > mp.maxNMmaps.Load() {
		mp.maxNMmaps.Store(nm)
	}
	mm := mp.mmappedMem.Add(int64(n))
	if mm > mp.maxMmappedMem.Load() {
		mp.maxMmappedMem.Store(mm)
	}

	debug.Log(nil, "mmap", "%v:%d", base, n)
	return p
}
