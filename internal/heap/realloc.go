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
	"github.com/go-freestore/freestore/internal/xunsafe"
)

// Realloc resizes the allocation behind p to at least n bytes, preserving
// the prefix. A nil p allocates; n == 0 with non-nil p releases and returns
// nil. On failure the old region stays valid and nil is returned.
func Realloc(p unsafe.Pointer, n int) unsafe.Pointer {
	Init()
	if p == nil {
		return Malloc(n)
	}
	if n == 0 {
		Free(p)
		return nil
	}

	nb, ok := chunk.Request2Size(n)
	if !ok {
		return nil
	}

	oldP := chunk.FromMem(p)
	oldSize := oldP.Size()

	if uintptr(oldP.Addr()) > -uintptr(oldSize) || !oldP.Aligned() {
		fatal("realloc(): invalid pointer")
	}

	if oldP.IsMapped() {
		// No page-table remap: stay in place while the mapping fits,
		// otherwise allocate-copy-unmap.
		usable := oldSize - chunk.HeaderSize
		if usable >= nb {
			return p
		}
		newMem := Malloc(n)
		if newMem == nil {
			return nil
		}
		xunsafe.Copy((*byte)(newMem), (*byte)(p), usable)
		munmapChunk(oldP)
		return newMem
	}

	ar := arenaForChunk(oldP)
	ar.mu.Lock()
	newP := ar.reallocCore(oldP, oldSize, nb)
	ar.mu.Unlock()

	if !newP.IsNil() {
		debug.Log(ar.logsTo(), "realloc", "%v->%v nb=%d", oldP.Addr(), newP.Addr(), nb)
		return newP.Mem()
	}

	// The owning arena is exhausted: take the full allocation path (any
	// arena, or a mapping), copy, release.
	newMem := Malloc(n)
	if newMem == nil {
		return nil
	}
	xunsafe.Copy((*byte)(newMem), (*byte)(p), oldSize-chunk.Word)
	ar.mu.Lock()
	ar.freeCore(oldP, true)
	ar.mu.Unlock()
	return newMem
}

// reallocCore resizes in place when it can: shrink by splitting the tail
// off, grow into the top chunk or a free successor, else allocate-copy-free
// within this arena. Called with the arena locked.
func (ar *Arena) reallocCore(oldP chunk.Ptr, oldSize, nb int) chunk.Ptr {
	if oldP.Head() <= uintptr(chunk.HeaderSize) || int64(oldSize) >= ar.systemMem.Load() {
		fatal("realloc(): invalid old size")
	}

	next := oldP.ByteAdd(oldSize)
	nextSize := next.Size()
	if next.Head() <= uintptr(chunk.HeaderSize) || int64(nextSize) >= ar.systemMem.Load() {
		fatal("realloc(): invalid next size")
	}

	var newP chunk.Ptr
	var newSize int

	switch {
	case oldSize >= nb:
		// Already big enough; the tail split below handles any shrink.
		newP, newSize = oldP, oldSize

	case next == ar.top && oldSize+nextSize >= nb+chunk.MinSize:
		// Grow into the wilderness.
		newSize = oldSize + nextSize
		oldP.SetHeadSize(nb)
		ar.top = oldP.ByteAdd(nb)
		ar.top.SetHead(newSize-nb, chunk.FlagPrevInUse)
		return oldP

	case next != ar.top && !next.InUse() && oldSize+nextSize >= nb:
		// Absorb the free successor.
		newP, newSize = oldP, oldSize+nextSize
		ar.unlink(next)

	default:
		victim := ar.allocCore(nb)
		if victim.IsNil() {
			return 0
		}
		newSize = victim.Size()
		if victim == next {
			// The engine handed back our own successor: merge instead of
			// copying.
			newSize += oldSize
			newP = oldP
		} else {
			xunsafe.Copy((*byte)(victim.Mem()), (*byte)(oldP.Mem()), oldSize-chunk.Word)
			ar.freeCore(oldP, true)
			return victim
		}
	}

	debug.Assert(newSize >= nb, "realloc shortfall: %d < %d", newSize, nb)
	remainderSize := newSize - nb
	if remainderSize < chunk.MinSize {
		newP.SetHeadSize(newSize)
		newP.SetInUseAt(newSize)
	} else {
		remainder := newP.ByteAdd(nb)
		newP.SetHeadSize(nb)
		remainder.SetHead(remainderSize, chunk.FlagPrevInUse|ar.arenaBit())
		remainder.SetInUseAt(remainderSize)
		ar.freeCore(remainder, true)
	}
	return newP
}
