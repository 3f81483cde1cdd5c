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
	"github.com/go-freestore/freestore/internal/xunsafe/layout"
)

// Trim walks every arena, consolidates it, advises out whole free pages
// stuck inside bins, and gives the tail of the main arena's top back to the
// OS. Reports whether any memory was returned.
func Trim(pad int) bool {
	Init()
	result := false
	ar := &mainArena
	for {
		ar.mu.Lock()
		result = ar.mtrim(pad) || result
		ar.mu.Unlock()
		next := ar.nextArena()
		if next == &mainArena {
			return result
		}
		ar = next
	}
}

func (ar *Arena) mtrim(pad int) bool {
	ar.consolidate()

	ps := mem.PageSize()
	psm1 := ps - 1
	psIndex := chunk.BinIndex(ps)
	// A free chunk can only contain an unused page if it is bigger than a
	// page plus its live bookkeeping prefix.
	const bookkeeping = chunk.HeaderSize + 4*chunk.Word

	result := false
	for i := 1; i < chunk.NBins-1; i++ {
		if i != chunk.UnsortedBin && i < psIndex {
			continue
		}
		bin := ar.binAt(i)
		for p := bin.Bk(); p != bin; p = p.Bk() {
			size := p.Size()
			if size <= psm1+bookkeeping {
				continue
			}
			alignedMem := p.Addr().ByteAdd(bookkeeping).RoundUpTo(ps)
			advisable := size - alignedMem.Sub(p.Addr())
			if advisable > psm1 {
				_ = mem.Advise(alignedMem, advisable&^psm1)
				result = true
			}
		}
	}

	if ar.isMain() {
		return ar.systrim(pad) || result
	}
	return result
}

// systrim returns the page-aligned tail of the main arena's top chunk to
// the OS by shrinking the contiguous region. Fails silently when the top no
// longer sits at the region's committed end (a standalone mapping took
// over).
func (ar *Arena) systrim(pad int) bool {
	if ar.top.IsNil() || ar.region == nil {
		return false
	}
	topSize := ar.top.Size()
	topArea := topSize - chunk.MinSize - 1
	if topArea <= pad {
		return false
	}
	extra := layout.RoundDown(topArea-pad, mem.PageSize())
	if extra == 0 {
		return false
	}
	if ar.top.Addr().ByteAdd(topSize) != ar.region.End() {
		return false
	}
	if ar.region.Decommit(ar.region.Committed()-extra) != nil {
		return false
	}
	ar.systemMem.Add(-int64(extra))
	ar.top.SetHead(topSize-extra, chunk.FlagPrevInUse)
	debug.Log(ar.logsTo(), "systrim", "-%d", extra)
	return true
}

// heapTrim releases memory from a non-main arena: whole trailing heaps
// whose every byte is top, then the page-aligned tail of the current heap.
// Called with the arena locked.
func heapTrim(h *heapInfo, pad int) bool {
	ar := h.ar()
	ps := mem.PageSize()

	// Peel off heaps the top chunk covers entirely.
	for ar.top == chunk.FromAddr(h.base().ByteAdd(heapInfoSize)) {
		prev := h.prevHeap()
		if prev == nil {
			break
		}

		// Walk back to the fencepost pair terminating the previous heap.
		prevSize := prev.size - (chunk.MinSize - chunk.HeaderSize)
		p := chunk.FromAddr(prev.base().ByteAdd(prevSize))
		misalign := int(uintptr(p.Addr()) & uintptr(chunk.AlignMask))
		prevSize -= misalign
		p = chunk.FromAddr(prev.base().ByteAdd(prevSize))
		debug.Assert(p.Head() == chunk.FlagPrevInUse, "bad fencepost %v", p.Addr())
		p = p.Prev()

		newSize := p.Size() + (chunk.MinSize - chunk.HeaderSize) + misalign
		if !p.PrevInUse() {
			newSize += p.PrevSize()
		}
		// Keep the previous heap worth coming back to.
		if newSize+(heapMax-prev.size) < pad+chunk.MinSize+ps {
			break
		}

		ar.systemMem.Add(-int64(h.size))
		deleteHeap(h)
		ar.heaps = prev.base()
		h = prev

		if !p.PrevInUse() {
			p = p.Prev()
			ar.unlink(p)
		}
		ar.top = p
		p.SetHead(newSize, chunk.FlagPrevInUse)
		debug.Log(ar.logsTo(), "heap freed", "top=%v:%d", p.Addr(), newSize)
	}

	topSize := ar.top.Size()
	if mp.trimThreshold < 0 || topSize < mp.trimThreshold {
		return false
	}
	topArea := topSize - chunk.MinSize - 1
	if topArea <= pad {
		return false
	}
	extra := layout.RoundDown(topArea-pad, ps)
	if extra == 0 {
		return false
	}
	if !shrinkHeap(h, extra) {
		return false
	}
	ar.systemMem.Add(-int64(extra))
	ar.top.SetHead(topSize-extra, chunk.FlagPrevInUse)
	debug.Log(ar.logsTo(), "heap trim", "-%d", extra)
	return true
}
