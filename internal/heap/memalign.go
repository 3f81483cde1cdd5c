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
	"math/bits"
	"unsafe"

	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
	"github.com/go-freestore/freestore/internal/xunsafe"
	"github.com/go-freestore/freestore/internal/xunsafe/layout"
)

// Memalign allocates n bytes whose address is a multiple of align.
// Alignments at or below the quantum degrade to Malloc; non-powers of two
// are rounded up; an alignment beyond the size ceiling returns nil.
func Memalign(align, n int) unsafe.Pointer {
	Init()
	if align <= chunk.Align {
		return Malloc(n)
	}
	if align > chunk.MaxRequest {
		return nil // EINVAL territory: half the pointer-difference range
	}
	if !layout.IsPow2(align) {
		align = 1 << bits.Len(uint(align))
	}
	if align < chunk.MinSize {
		align = chunk.MinSize
	}

	nb, ok := chunk.Request2Size(n)
	if !ok || nb > chunk.MaxRequest-align-chunk.MinSize {
		return nil
	}

	ar := lockArena(nb + align + chunk.MinSize)
	p := ar.memalignCore(align, nb)
	if p.IsNil() {
		ar.mu.Unlock()
		ar = retryArena(ar, nb+align+chunk.MinSize)
		p = ar.memalignCore(align, nb)
	}
	ar.mu.Unlock()

	if p.IsNil() {
		return nil
	}
	debug.Assert(uintptr(p.Addr().ByteAdd(chunk.HeaderSize))&uintptr(align-1) == 0,
		"memalign produced %v for align %d", p.Addr(), align)
	m := p.Mem()
	if mp.perturb != 0 {
		xunsafe.Fill((*byte)(m), n, mp.perturb^0xff)
	}
	return m
}

// memalignCore over-allocates, carves an aligned chunk out of the middle,
// and hands the slack on both sides back as ordinary free chunks. Called
// with the arena locked.
func (ar *Arena) memalignCore(align, nb int) chunk.Ptr {
	p := ar.allocCore(nb + align + chunk.MinSize)
	if p.IsNil() {
		return 0
	}

	if uintptr(p.Addr().ByteAdd(chunk.HeaderSize))&uintptr(align-1) != 0 {
		// Find the aligned user position inside the block, leaving room
		// for a leading chunk of at least the minimum size.
		memAddr := p.Addr().ByteAdd(chunk.HeaderSize).RoundUpTo(align)
		newP := chunk.FromAddr(memAddr.ByteAdd(-chunk.HeaderSize))
		if newP.Addr().Sub(p.Addr()) < chunk.MinSize {
			newP = newP.ByteAdd(align)
		}
		lead := newP.Addr().Sub(p.Addr())
		newSize := p.Size() - lead

		if p.IsMapped() {
			// Shift the recorded front misalignment; the unmap math still
			// recovers the original mapping bounds.
			newP.SetPrevSize(p.PrevSize() + lead)
			newP.SetHead(newSize, chunk.FlagMapped)
			return newP
		}

		newP.SetHead(newSize, chunk.FlagPrevInUse|ar.arenaBit())
		newP.SetInUseAt(newSize)
		p.SetHeadSize(lead)
		ar.freeCore(p, true)
		p = newP
		debug.Log(ar.logsTo(), "memalign lead", "%v lead=%d", p.Addr(), lead)
	}

	if !p.IsMapped() {
		size := p.Size()
		if size > nb+chunk.MinSize {
			remainderSize := size - nb
			remainder := p.ByteAdd(nb)
			remainder.SetHead(remainderSize, chunk.FlagPrevInUse|ar.arenaBit())
			remainder.SetInUseAt(remainderSize)
			p.SetHeadSize(nb)
			ar.freeCore(remainder, true)
		}
	}
	return p
}
