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
	"unsafe"

	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
	"github.com/go-freestore/freestore/internal/mem"
	"github.com/go-freestore/freestore/internal/xsync"
	"github.com/go-freestore/freestore/internal/xunsafe"
)

// mappedRegions records every live oversize mapping by base address, so a
// release of a forged or stale mapped pointer is caught instead of handing
// the kernel an arbitrary unmap.
var mappedRegions xsync.Map[uintptr, int]

// Free releases the chunk behind p. A nil p is a no-op.
func Free(p unsafe.Pointer) {
	Init()
	if p == nil {
		return
	}
	ch := chunk.FromMem(p)

	if ch.IsMapped() {
		munmapChunk(ch)
		return
	}

	size := ch.Size()
	checkFreeChunk(ch, size)

	// Thread cache: keep hot sizes local, no arena interaction. Cross-arena
	// origin is fine here; the cache hands chunks back to their owners when
	// it drains.
	if idx := chunk.TcacheIndex(size); idx < mp.tcacheBins {
		tc := tls.Get().tc
		tc.checkDoubleFree(ch, idx)
		if int(tc.counts[idx]) < mp.tcacheCount {
			tc.put(ch, idx)
			return
		}
	}

	arenaForChunk(ch).freeCore(ch, false)
}

// freeChunkToArena routes a chunk evicted from a retiring thread cache back
// to its owning arena, bypassing the (foreign) cache of the caller.
func freeChunkToArena(p chunk.Ptr) {
	checkFreeChunk(p, p.Size())
	arenaForChunk(p).freeCore(p, false)
}

func checkFreeChunk(p chunk.Ptr, size int) {
	// A pointer whose chunk would wrap the address space, or one that is
	// misaligned, was never produced by this allocator.
	if uintptr(p.Addr()) > -uintptr(size) || !p.Aligned() {
		fatal("free(): invalid pointer")
	}
	if size < chunk.MinSize || size&chunk.AlignMask != 0 {
		fatal("free(): invalid size")
	}
}

func freePerturb(p chunk.Ptr, size int) {
	if mp.perturb != 0 {
		xunsafe.Fill((*byte)(p.Mem()), size-chunk.HeaderSize, mp.perturb)
	}
}

// freeCore returns a non-mapped chunk to this arena: fast-bin push for the
// small ones, boundary-tag coalesce into the unsorted queue or the top for
// the rest, then a trim check.
func (ar *Arena) freeCore(p chunk.Ptr, haveLock bool) {
	size := p.Size()

	// Fast path: below the ceiling, park on a fast bin without coalescing.
	// The size comparisons use the raw head word so an in-use fencepost
	// (header-sized, P set) stays legal.
	if mp.maxFast > 0 && size <= mp.maxFast {
		next := p.ByteAdd(size)
		if next.Head() <= uintptr(chunk.HeaderSize) || int64(next.Size()) >= ar.systemMem.Load() {
			// The successor header is shared state; re-read it under the
			// lock before declaring corruption.
			locked := false
			if !haveLock {
				ar.mu.Lock()
				locked = true
			}
			if next.Head() <= uintptr(chunk.HeaderSize) || int64(next.Size()) >= ar.systemMem.Load() {
				fatal("free(): invalid next size (fast)")
			}
			if locked {
				ar.mu.Unlock()
			}
		}
		freePerturb(p, size)
		ar.fastPush(p, chunk.FastIndex(size))
		debug.Log(ar.logsTo(), "free fast", "%v:%d", p.Addr(), size)
		return
	}

	if !haveLock {
		ar.mu.Lock()
	}

	nextChunk := p.ByteAdd(size)

	if p == ar.top {
		fatal("double free or corruption (top)")
	}
	if ar.isMain() && !ar.nonContiguous &&
		nextChunk.Addr() >= ar.top.Addr().ByteAdd(ar.top.Size()) {
		fatal("double free or corruption (out)")
	}
	if !nextChunk.PrevInUse() {
		fatal("double free or corruption (!prev)")
	}
	nextSize := nextChunk.Size()
	if nextChunk.Head() <= uintptr(chunk.HeaderSize) || int64(nextSize) >= ar.systemMem.Load() {
		fatal("free(): invalid next size (normal)")
	}

	freePerturb(p, size)

	// Backward coalesce via the boundary tag.
	if !p.PrevInUse() {
		prevSize := p.PrevSize()
		size += prevSize
		p = p.ByteAdd(-prevSize)
		if p.Size() != prevSize {
			fatal("corrupted size vs. prev_size")
		}
		ar.unlink(p)
	}

	if nextChunk != ar.top {
		// Forward coalesce, then stage on the unsorted queue.
		nextInUse := nextChunk.ByteAdd(nextSize).PrevInUse()
		if !nextInUse {
			ar.unlink(nextChunk)
			size += nextSize
		} else {
			nextChunk.ClearInUseAt(0)
		}
		ar.insertUnsortedHead(p, size, "free(): corrupted unsorted chunks")
		p.SetHead(size, chunk.FlagPrevInUse)
		p.SetFoot(size)
		debug.Log(ar.logsTo(), "free unsorted", "%v:%d", p.Addr(), size)
	} else {
		// The chunk borders the wilderness: melt it back in.
		size += nextSize
		p.SetHead(size, chunk.FlagPrevInUse)
		ar.top = p
		debug.Log(ar.logsTo(), "free top", "%v:%d", p.Addr(), size)
	}

	// A big coalesced block hints that more consolidation, and possibly a
	// trim, will pay off.
	if size >= fastConsolidateThreshold {
		if ar.haveFast.Load() {
			ar.consolidate()
		}
		if ar.isMain() {
			if mp.trimThreshold >= 0 && ar.top.Size() >= mp.trimThreshold {
				ar.systrim(mp.topPad)
			}
		} else {
			heapTrim(heapForPtr(ar.top), mp.topPad)
		}
	}

	if !haveLock {
		ar.mu.Unlock()
	}
}

// munmapChunk releases an oversize mapped chunk wholesale, adapting the
// mmap threshold to the working set on the way out.
func munmapChunk(p chunk.Ptr) {
	size := p.Size()
	prevSize := p.PrevSize()
	block := p.Addr().ByteAdd(-prevSize)
	total := prevSize + size

	if (uintptr(block)|uintptr(total))&uintptr(mem.PageSize()-1) != 0 {
		fatal("munmap_chunk(): invalid pointer")
	}
	if n, ok := mappedRegions.Load(uintptr(block)); !ok || n != total {
		fatal("munmap_chunk(): invalid pointer")
	}
	mappedRegions.Delete(uintptr(block))

	// Track the application's working set: a released mapping in the band
	// pulls the threshold up so the next such allocation stays in an arena.
	if !mp.noDynThreshold && size > mp.mmapThreshold && size <= mmapThresholdMax {
		mp.mmapThreshold = size
		mp.trimThreshold = 2 * size
	}

	mp.nMmaps.Add(-1)
	mp.mmappedMem.Add(-int64(total))
	_ = mem.Unmap(block, total)
	debug.Log(nil, "munmap", "%v:%d", block, total)
}
