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

// Package chunk implements the boundary-tagged chunk representation.
//
// # Layout
//
// A chunk is a contiguous byte range starting with a two-word header:
//
//	prevSize | size+PMA flags | payload...
//
// prevSize is only meaningful while the physically previous chunk is free;
// otherwise those bytes belong to the previous chunk's payload. A free chunk
// overlays its payload with fd/bk ring pointers (and, for large chunks,
// fdNextsize/bkNextsize skip pointers), and duplicates its size into the
// prevSize slot of the physically next chunk. That trailing copy is the
// boundary tag that makes backward coalescing O(1).
//
// The three low bits of the size word encode: P, the previous chunk is in
// use; M, the chunk is an isolated page mapping; A, the chunk belongs to a
// non-main arena.
//
// A [Ptr] is the raw address of a chunk header. It deliberately has no
// lifetime of its own; every Ptr is scoped to memory owned by some arena or
// mapping. Chunk memory is invisible to the Go garbage collector; the bin
// headers that an arena addresses as Ptrs lie in its ordinary Go state.
package chunk

import (
	"math"
	"unsafe"

	"github.com/go-freestore/freestore/internal/xunsafe"
	"github.com/go-freestore/freestore/internal/xunsafe/layout"
)

const (
	// Word is the machine word size in bytes.
	Word = int(unsafe.Sizeof(uintptr(0)))

	// HeaderSize is the size of the prevSize+size header.
	HeaderSize = 2 * Word

	// Align is the alignment quantum of chunk sizes and user pointers.
	Align     = 2 * Word
	AlignMask = Align - 1

	// MinSize is the smallest chunk: a header plus room for the fd/bk ring
	// pointers of a free chunk.
	MinSize = 4 * Word

	// MaxRequest is the largest request the allocator will pad. Anything
	// above half the pointer-difference range is rejected up front, so size
	// arithmetic can never wrap.
	MaxRequest = math.MaxInt/2 - MinSize
)

// Low-bit flags of the size word.
const (
	FlagPrevInUse uintptr = 1 << iota // previous adjacent chunk is in use
	FlagMapped                        // chunk is an isolated page mapping
	FlagNonMain                       // chunk belongs to a non-main arena
	flagBits      = FlagPrevInUse | FlagMapped | FlagNonMain
)

// Offsets of the overlay fields of a free chunk, relative to the chunk base.
const (
	offPrevSize   = 0
	offSize       = Word
	offFd         = HeaderSize
	offBk         = HeaderSize + Word
	offFdNextsize = HeaderSize + 2*Word
	offBkNextsize = HeaderSize + 3*Word
)

// Ptr is the address of a chunk header.
//
// The zero Ptr is "no chunk".
type Ptr xunsafe.Addr[byte]

// FromMem recovers the chunk from a user pointer.
func FromMem(p unsafe.Pointer) Ptr {
	return Ptr(xunsafe.AddrOf((*byte)(p)).ByteAdd(-HeaderSize))
}

// FromAddr converts a raw address to a chunk pointer.
func FromAddr(a xunsafe.Addr[byte]) Ptr { return Ptr(a) }

// Addr returns the raw address of the chunk header.
func (p Ptr) Addr() xunsafe.Addr[byte] { return xunsafe.Addr[byte](p) }

// Mem returns the user pointer for this chunk.
func (p Ptr) Mem() unsafe.Pointer {
	return unsafe.Pointer(p.Addr().ByteAdd(HeaderSize).AssertValid())
}

// IsNil reports whether this is the zero Ptr.
func (p Ptr) IsNil() bool { return p == 0 }

func (p Ptr) word(off int) uintptr {
	return xunsafe.ByteLoad[uintptr](p.Addr().AssertValid(), off)
}

func (p Ptr) setWord(off int, v uintptr) {
	xunsafe.ByteStore(p.Addr().AssertValid(), off, v)
}

// Head returns the raw size-and-flags word.
func (p Ptr) Head() uintptr { return p.word(offSize) }

// SetHead stores size|flags, replacing all current bits.
func (p Ptr) SetHead(size int, flags uintptr) {
	p.setWord(offSize, uintptr(size)|flags)
}

// SetHeadSize replaces the size while preserving the flag bits.
func (p Ptr) SetHeadSize(size int) {
	p.setWord(offSize, uintptr(size)|(p.Head()&flagBits))
}

// OrHead sets the given flag bits in the size word.
func (p Ptr) OrHead(flags uintptr) {
	p.setWord(offSize, p.Head()|flags)
}

// Size returns the chunk size with the flag bits masked off.
func (p Ptr) Size() int { return int(p.Head() &^ flagBits) }

// Flags returns the P/M/A bits of the size word.
func (p Ptr) Flags() uintptr { return p.Head() & flagBits }

// PrevSize reads the boundary tag left by a free physical predecessor.
func (p Ptr) PrevSize() int { return int(p.word(offPrevSize)) }

// SetPrevSize stores into the boundary-tag slot.
func (p Ptr) SetPrevSize(n int) { p.setWord(offPrevSize, uintptr(n)) }

// SetFoot writes this chunk's size into the boundary-tag slot of the chunk
// size bytes ahead. Called whenever a chunk becomes (or stays) free.
func (p Ptr) SetFoot(size int) {
	p.ByteAdd(size).SetPrevSize(size)
}

// PrevInUse reports the P bit: whether the physically previous chunk is in
// use (or held by a fast bin or tcache, which count as in use).
func (p Ptr) PrevInUse() bool { return p.Head()&FlagPrevInUse != 0 }

// IsMapped reports the M bit.
func (p Ptr) IsMapped() bool { return p.Head()&FlagMapped != 0 }

// NonMain reports the A bit.
func (p Ptr) NonMain() bool { return p.Head()&FlagNonMain != 0 }

// ByteAdd offsets the chunk pointer by n bytes.
func (p Ptr) ByteAdd(n int) Ptr { return Ptr(p.Addr().ByteAdd(n)) }

// Next steps to the physically next chunk.
func (p Ptr) Next() Ptr { return p.ByteAdd(p.Size()) }

// Prev steps to the physically previous chunk via the boundary tag. Only
// meaningful while the P bit is clear.
func (p Ptr) Prev() Ptr { return p.ByteAdd(-p.PrevSize()) }

// InUse reports whether this chunk is in use, as recorded in the P bit of
// the physically next chunk.
func (p Ptr) InUse() bool { return p.Next().PrevInUse() }

// SetInUseAt sets the P bit of the chunk off bytes ahead.
func (p Ptr) SetInUseAt(off int) {
	q := p.ByteAdd(off)
	q.setWord(offSize, q.word(offSize)|FlagPrevInUse)
}

// ClearInUseAt clears the P bit of the chunk off bytes ahead.
func (p Ptr) ClearInUseAt(off int) {
	q := p.ByteAdd(off)
	q.setWord(offSize, q.word(offSize)&^FlagPrevInUse)
}

// Fd returns the forward ring pointer of a free chunk.
func (p Ptr) Fd() Ptr { return Ptr(p.word(offFd)) }

// Bk returns the backward ring pointer of a free chunk.
func (p Ptr) Bk() Ptr { return Ptr(p.word(offBk)) }

// SetFd stores the forward ring pointer.
func (p Ptr) SetFd(q Ptr) { p.setWord(offFd, uintptr(q)) }

// SetBk stores the backward ring pointer.
func (p Ptr) SetBk(q Ptr) { p.setWord(offBk, uintptr(q)) }

// FdNextsize returns the forward skip pointer of a free large chunk.
func (p Ptr) FdNextsize() Ptr { return Ptr(p.word(offFdNextsize)) }

// BkNextsize returns the backward skip pointer of a free large chunk.
func (p Ptr) BkNextsize() Ptr { return Ptr(p.word(offBkNextsize)) }

// SetFdNextsize stores the forward skip pointer.
func (p Ptr) SetFdNextsize(q Ptr) { p.setWord(offFdNextsize, uintptr(q)) }

// SetBkNextsize stores the backward skip pointer.
func (p Ptr) SetBkNextsize(q Ptr) { p.setWord(offBkNextsize, uintptr(q)) }

// Aligned reports whether the user pointer of this chunk is aligned to the
// quantum.
func (p Ptr) Aligned() bool {
	return (uintptr(p)+uintptr(HeaderSize))&uintptr(AlignMask) == 0
}

// Request2Size pads a user request to an allocatable chunk size: request
// plus one word of header overhead (the payload runs on into the next
// chunk's prevSize slot, which is unused while this chunk is in use),
// rounded up to the alignment quantum and
// floored at MinSize. ok is false when the request is negative or would
// overflow the pointer-difference ceiling.
func Request2Size(req int) (size int, ok bool) {
	if req < 0 || req > MaxRequest {
		return 0, false
	}
	size = req + Word
	if size < MinSize {
		return MinSize, true
	}
	return layout.RoundUp(size, Align), true
}
