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

// Package heap is the allocator engine: arenas, bins, the split/coalesce
// machinery, OS memory acquisition, and the per-goroutine cache.
//
// Allocation walks a strictly ordered search: thread cache, fast bin, small
// bin, unsorted-queue drain (binning what it passes over), large-bin best
// fit, binmap scan, top chunk, and finally the OS. Release runs the ladder
// in reverse: thread cache, fast bin, boundary-tag coalesce into the
// unsorted queue or the top chunk, and possibly a trim back to the OS.
package heap

import (
	"unsafe"

	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
	"github.com/go-freestore/freestore/internal/xunsafe"
)

// maxUnsortedIters bounds one drain of the unsorted queue.
const maxUnsortedIters = 10000

// Malloc allocates n bytes, aligned to the quantum. It returns nil when the
// request overflows the size ceiling or memory is exhausted.
func Malloc(n int) unsafe.Pointer {
	p := allocate(n)
	if p != nil && mp.perturb != 0 {
		xunsafe.Fill((*byte)(p), n, mp.perturb^0xff)
	}
	return p
}

// Calloc allocates count*size bytes of zeroed memory.
func Calloc(count, size int) unsafe.Pointer {
	if count < 0 || size < 0 {
		return nil
	}
	bytes := count * size
	if size != 0 && bytes/size != count {
		return nil
	}
	p := allocate(bytes)
	if p == nil {
		return nil
	}
	ch := chunk.FromMem(p)
	if ch.IsMapped() {
		// Fresh pages are already zero.
		return p
	}
	xunsafe.Clear((*byte)(p), ch.Size()-chunk.Word)
	return p
}

func allocate(n int) unsafe.Pointer {
	Init()
	nb, ok := chunk.Request2Size(n)
	if !ok {
		return nil
	}

	// Thread cache first: no locks, no arena.
	if idx := chunk.TcacheIndex(nb); idx < mp.tcacheBins {
		tc := tls.Get().tc
		if tc.counts[idx] > 0 {
			return tc.get(idx).Mem()
		}
	}

	ar := lockArena(nb)
	victim := ar.allocCore(nb)
	if victim.IsNil() {
		ar.mu.Unlock()
		ar = retryArena(ar, nb)
		victim = ar.allocCore(nb)
	}
	ar.mu.Unlock()

	if victim.IsNil() {
		return nil
	}
	debug.Assert(victim.Aligned(), "misaligned victim %v", victim.Addr())
	return victim.Mem()
}

// UsableSize reports the capacity of the chunk behind a live user pointer.
func UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	ch := chunk.FromMem(p)
	switch {
	case ch.IsMapped():
		return ch.Size() - chunk.HeaderSize
	case ch.InUse():
		return ch.Size() - chunk.Word
	default:
		return 0
	}
}

// allocCore serves a padded request of nb bytes from this arena. Called
// with the arena locked; returns the zero Ptr on exhaustion.
func (ar *Arena) allocCore(nb int) chunk.Ptr {
	// Fast bins: exact size, LIFO, no coalescing.
	if mp.maxFast > 0 && nb <= mp.maxFast {
		idx := chunk.FastIndex(nb)
		if victim := ar.fastPop(idx); !victim.IsNil() {
			ar.prewarmFromFastbin(nb, idx)
			debug.Log(ar.logsTo(), "alloc fast", "%v:%d", victim.Addr(), nb)
			return victim
		}
	}

	// Small bins: exact size, FIFO from the tail.
	if chunk.InSmallRange(nb) {
		idx := chunk.SmallIndex(nb)
		bin := ar.binAt(idx)
		if victim := bin.Bk(); victim != bin {
			bck := victim.Bk()
			if bck.Fd() != victim {
				fatal("malloc(): smallbin double linked list corrupted")
			}
			bin.SetBk(bck)
			bck.SetFd(bin)
			victim.SetInUseAt(nb)
			if !ar.isMain() {
				victim.OrHead(chunk.FlagNonMain)
			}
			ar.prewarmFromSmallbin(nb, bin)
			debug.Log(ar.logsTo(), "alloc small", "%v:%d", victim.Addr(), nb)
			return victim
		}
	} else if ar.haveFast.Load() {
		// A large request is about to scan bins: fold the fast chunks in
		// so they can take part.
		ar.consolidate()
	}

	tcIdx := chunk.TcacheIndex(nb)
	tcacheOK := tcIdx < mp.tcacheBins
	var tc *tcachePerThread
	if tcacheOK {
		tc = tls.Get().tc
	}

	for {
		returnCached := false
		tcacheUnsortedCount := 0

		// Drain the unsorted queue from the tail, binning what we skip.
		unsorted := ar.unsortedBin()
		iters := 0
		for {
			victim := unsorted.Bk()
			if victim == unsorted {
				break
			}
			bck := victim.Bk()
			size := victim.Size()
			next := victim.Next()

			if size <= 2*chunk.Word || int64(size) > ar.systemMem.Load() {
				fatal("malloc(): invalid size (unsorted)")
			}
			nextSize := next.Size()
			if nextSize < 2*chunk.Word || int64(nextSize) > ar.systemMem.Load() {
				fatal("malloc(): invalid next size (unsorted)")
			}
			if next.PrevSize() != size {
				fatal("malloc(): mismatching next->prev_size (unsorted)")
			}
			if bck.Fd() != victim || victim.Fd() != unsorted {
				fatal("malloc(): unsorted double linked list corrupted")
			}
			if next.PrevInUse() {
				fatal("malloc(): invalid next->prev_inuse (unsorted)")
			}

			// Last-remainder fast path: a run of small requests carves
			// successive pieces off one remainder, preserving locality.
			if chunk.InSmallRange(nb) && bck == unsorted &&
				victim == ar.lastRemainder && size > nb+chunk.MinSize {
				remainderSize := size - nb
				remainder := victim.ByteAdd(nb)
				unsorted.SetBk(remainder)
				unsorted.SetFd(remainder)
				remainder.SetBk(unsorted)
				remainder.SetFd(unsorted)
				ar.lastRemainder = remainder
				if !chunk.InSmallRange(remainderSize) {
					remainder.SetFdNextsize(0)
					remainder.SetBkNextsize(0)
				}
				victim.SetHead(nb, chunk.FlagPrevInUse|ar.arenaBit())
				remainder.SetHead(remainderSize, chunk.FlagPrevInUse)
				remainder.SetFoot(remainderSize)
				debug.Log(ar.logsTo(), "alloc remainder", "%v:%d", victim.Addr(), nb)
				return victim
			}

			unsorted.SetBk(bck)
			bck.SetFd(unsorted)

			if size == nb {
				victim.SetInUseAt(size)
				if !ar.isMain() {
					victim.OrHead(chunk.FlagNonMain)
				}
				// Cache exact fits and keep draining; hand one back only
				// once the cache is full or the drain ends.
				if tcacheOK && int(tc.counts[tcIdx]) < mp.tcacheCount {
					tc.put(victim, tcIdx)
					returnCached = true
					continue
				}
				debug.Log(ar.logsTo(), "alloc unsorted", "%v:%d", victim.Addr(), nb)
				return victim
			}

			if chunk.InSmallRange(size) {
				ar.insertSmall(victim, size)
			} else {
				ar.insertLarge(victim, size)
			}

			tcacheUnsortedCount++
			if returnCached && mp.tcacheUnsortedLimit > 0 &&
				tcacheUnsortedCount > mp.tcacheUnsortedLimit {
				return tc.get(tcIdx)
			}

			iters++
			if iters >= maxUnsortedIters {
				break
			}
		}

		if returnCached {
			return tc.get(tcIdx)
		}

		// Large request: best fit from the size-sorted bin, walking the
		// skip ring from the smallest representative upward.
		if !chunk.InSmallRange(nb) {
			bin := ar.binAt(chunk.LargeIndex(nb))
			if victim := bin.Fd(); victim != bin && victim.Size() >= nb {
				victim = victim.BkNextsize()
				for victim.Size() < nb {
					victim = victim.BkNextsize()
				}
				// Prefer an equal-size duplicate: unlinking it leaves the
				// skip ring untouched.
				if victim != bin.Bk() && victim.Size() == victim.Fd().Size() {
					victim = victim.Fd()
				}
				debug.Log(ar.logsTo(), "alloc large", "%v:%d", victim.Addr(), nb)
				return ar.carve(victim, nb, false)
			}
		}

		// Binmap scan: first non-empty bin past the request's own.
		if victim := ar.scanBins(chunk.BinIndex(nb)+1, nb); !victim.IsNil() {
			return victim
		}

		// The top chunk.
		top := ar.top
		if !top.IsNil() {
			size := top.Size()
			if int64(size) > ar.systemMem.Load() {
				fatal("malloc(): corrupted top size")
			}
			if size >= nb+chunk.MinSize {
				remainder := top.ByteAdd(nb)
				ar.top = remainder
				remainder.SetHead(size-nb, chunk.FlagPrevInUse)
				top.SetHead(nb, chunk.FlagPrevInUse|ar.arenaBit())
				debug.Log(ar.logsTo(), "alloc top", "%v:%d", top.Addr(), nb)
				return top
			}
			if ar.haveFast.Load() {
				// Fast chunks may coalesce into something big enough.
				ar.consolidate()
				continue
			}
		}

		return ar.sysAlloc(nb)
	}
}

// scanBins finds the first non-empty bin of index >= start via the binmap,
// clearing stale bits as it goes, and carves nb bytes from the chunk at that
// bin's tail (the oldest entry of a small bin, the smallest of a large bin).
// Returns the zero Ptr when every remaining bin is empty.
func (ar *Arena) scanBins(start, nb int) chunk.Ptr {
	idx := start
	block := chunk.BinmapWord(idx)
	bit := chunk.BinmapBit(idx)
	mapWord := ar.binmap[block]

	for {
		// Nothing left in this word at or above bit: advance words.
		if bit > mapWord || bit == 0 {
			for {
				block++
				if block >= chunk.BinmapSize {
					return 0
				}
				mapWord = ar.binmap[block]
				if mapWord != 0 {
					break
				}
			}
			idx = block << chunk.BinmapShift
			bit = 1
		}

		for bit&mapWord == 0 {
			idx++
			bit <<= 1
		}

		bin := ar.binAt(idx)
		victim := bin.Bk()
		if victim == bin {
			// Stale bit: the bin was drained since it was marked.
			mapWord &^= bit
			ar.binmap[block] = mapWord
			idx++
			bit <<= 1
			continue
		}

		debug.Log(ar.logsTo(), "alloc binmap", "%v bin=%d", victim.Addr(), idx)
		return ar.carve(victim, nb, true)
	}
}

// carve unlinks victim and produces an exact-fit chunk of nb bytes. The
// excess, when at least a minimum chunk, becomes a remainder staged on the
// unsorted queue; otherwise the caller gets the whole chunk.
func (ar *Arena) carve(victim chunk.Ptr, nb int, advertise bool) chunk.Ptr {
	size := victim.Size()
	remainderSize := size - nb
	ar.unlink(victim)

	if remainderSize < chunk.MinSize {
		victim.SetInUseAt(size)
		if !ar.isMain() {
			victim.OrHead(chunk.FlagNonMain)
		}
		return victim
	}

	remainder := victim.ByteAdd(nb)
	ar.insertUnsortedHead(remainder, remainderSize, "malloc(): corrupted unsorted chunks")
	if advertise && chunk.InSmallRange(nb) {
		ar.lastRemainder = remainder
	}
	victim.SetHead(nb, chunk.FlagPrevInUse|ar.arenaBit())
	remainder.SetHead(remainderSize, chunk.FlagPrevInUse)
	remainder.SetFoot(remainderSize)
	return victim
}

// prewarmFromFastbin migrates further same-size fast chunks into the thread
// cache after a fast-bin hit, prepaying the next few allocations.
func (ar *Arena) prewarmFromFastbin(nb, idx int) {
	tcIdx := chunk.TcacheIndex(nb)
	if tcIdx >= mp.tcacheBins {
		return
	}
	tc := tls.Get().tc
	for int(tc.counts[tcIdx]) < mp.tcacheCount {
		victim := ar.fastPop(idx)
		if victim.IsNil() {
			return
		}
		tc.put(victim, tcIdx)
	}
}

// prewarmFromSmallbin migrates further chunks from an exact-size bin into
// the thread cache after a small-bin hit.
func (ar *Arena) prewarmFromSmallbin(nb int, bin chunk.Ptr) {
	tcIdx := chunk.TcacheIndex(nb)
	if tcIdx >= mp.tcacheBins {
		return
	}
	tc := tls.Get().tc
	for int(tc.counts[tcIdx]) < mp.tcacheCount {
		victim := bin.Bk()
		if victim == bin {
			return
		}
		bck := victim.Bk()
		victim.SetInUseAt(nb)
		if !ar.isMain() {
			victim.OrHead(chunk.FlagNonMain)
		}
		bin.SetBk(bck)
		bck.SetFd(bin)
		tc.put(victim, tcIdx)
	}
}
