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
	"github.com/go-freestore/freestore/internal/xunsafe"
)

// binAt returns bin i's header posing as a chunk: its fd/bk "fields" land on
// the two table slots of bin i. Only Fd/Bk may ever be accessed through it.
// The table's address is flattened to an integer for the duration of one bin
// operation, so it is hidden from escape analysis.
func (ar *Arena) binAt(i int) chunk.Ptr {
	off := (2*(i-1) - 2) * chunk.Word
	table := xunsafe.NoEscape(xunsafe.Cast[byte](&ar.bins[0]))
	return chunk.FromAddr(xunsafe.AddrOf(table).ByteAdd(off))
}

// unsortedBin is the staging queue for newly freed and split chunks.
func (ar *Arena) unsortedBin() chunk.Ptr { return ar.binAt(chunk.UnsortedBin) }

func (ar *Arena) initBins() {
	for i := 1; i < chunk.NBins-1; i++ {
		b := ar.binAt(i)
		b.SetFd(b)
		b.SetBk(b)
	}
}

func (ar *Arena) markBin(i int) {
	ar.binmap[chunk.BinmapWord(i)] |= chunk.BinmapBit(i)
}

func (ar *Arena) unmarkBin(i int) {
	ar.binmap[chunk.BinmapWord(i)] &^= chunk.BinmapBit(i)
}

// unlink removes p from its doubly-linked bin, validating the boundary tag,
// the ring link-backs, and (for large chunks) the skip-list link-backs.
func (ar *Arena) unlink(p chunk.Ptr) {
	size := p.Size()
	if p.ByteAdd(size).PrevSize() != size {
		fatal("corrupted size vs. prev_size")
	}

	fd, bk := p.Fd(), p.Bk()
	if fd.Bk() != p || bk.Fd() != p {
		fatal("corrupted double-linked list")
	}
	fd.SetBk(bk)
	bk.SetFd(fd)

	if chunk.InSmallRange(size) || p.FdNextsize().IsNil() {
		return
	}

	// Large chunk on a size-sorted bin: splice it out of the skip ring.
	if p.FdNextsize().BkNextsize() != p || p.BkNextsize().FdNextsize() != p {
		fatal("corrupted double-linked list (not small)")
	}
	if fd.FdNextsize().IsNil() {
		// fd is a stacked duplicate; it inherits p's representative role.
		if p.FdNextsize() == p {
			fd.SetFdNextsize(fd)
			fd.SetBkNextsize(fd)
		} else {
			fd.SetFdNextsize(p.FdNextsize())
			fd.SetBkNextsize(p.BkNextsize())
			p.FdNextsize().SetBkNextsize(fd)
			p.BkNextsize().SetFdNextsize(fd)
		}
	} else {
		p.FdNextsize().SetBkNextsize(p.BkNextsize())
		p.BkNextsize().SetFdNextsize(p.FdNextsize())
	}
}

// insertSmall puts p at the head of its exact-size bin. Consumption is from
// the tail, so the bin is FIFO: the oldest chunk goes first, which gives its
// neighbors the longest window to coalesce with it.
func (ar *Arena) insertSmall(p chunk.Ptr, size int) {
	idx := chunk.SmallIndex(size)
	bck := ar.binAt(idx)
	fwd := bck.Fd()
	if fwd.Bk() != bck {
		fatal("malloc(): smallbin double linked list corrupted")
	}
	ar.markBin(idx)
	p.SetBk(bck)
	p.SetFd(fwd)
	fwd.SetBk(p)
	bck.SetFd(p)
}

// insertLarge puts p into its logarithmic bin, keeping the bin sorted in
// non-increasing size order. One representative per distinct size is
// threaded on the fdNextsize/bkNextsize ring; duplicates stack directly
// behind their representative so they can be unlinked without touching the
// ring.
func (ar *Arena) insertLarge(p chunk.Ptr, size int) {
	idx := chunk.LargeIndex(size)
	bck := ar.binAt(idx)
	fwd := bck.Fd()

	switch {
	case fwd == bck:
		// Empty bin.
		p.SetFdNextsize(p)
		p.SetBkNextsize(p)

	case size < bck.Bk().Size():
		// Smaller than the current smallest: append at the tail and link
		// into the ring behind the old smallest representative.
		fwd = bck
		bck = bck.Bk()
		p.SetFdNextsize(fwd.Fd())
		p.SetBkNextsize(fwd.Fd().BkNextsize())
		fwd.Fd().SetBkNextsize(p)
		p.BkNextsize().SetFdNextsize(p)

	default:
		for size < fwd.Size() {
			fwd = fwd.FdNextsize()
		}
		if size == fwd.Size() {
			// Second position behind the representative: no ring rewiring.
			fwd = fwd.Fd()
		} else {
			p.SetFdNextsize(fwd)
			p.SetBkNextsize(fwd.BkNextsize())
			if fwd.BkNextsize().FdNextsize() != fwd {
				fatal("malloc(): largebin double linked list corrupted")
			}
			fwd.SetBkNextsize(p)
			p.BkNextsize().SetFdNextsize(p)
		}
		bck = fwd.Bk()
		if bck.Fd() != fwd {
			fatal("malloc(): largebin double linked list corrupted")
		}
	}

	ar.markBin(idx)
	p.SetBk(bck)
	p.SetFd(fwd)
	fwd.SetBk(p)
	bck.SetFd(p)
}

// insertUnsortedHead splices p in at the head of the unsorted queue.
// Large chunks entering the staging queue get their skip pointers cleared;
// they are only valid while the chunk sits in a sorted bin.
func (ar *Arena) insertUnsortedHead(p chunk.Ptr, size int, tag string) {
	bck := ar.unsortedBin()
	fwd := bck.Fd()
	if fwd.Bk() != bck {
		fatal(tag)
	}
	p.SetFd(fwd)
	p.SetBk(bck)
	if !chunk.InSmallRange(size) {
		p.SetFdNextsize(0)
		p.SetBkNextsize(0)
	}
	bck.SetFd(p)
	fwd.SetBk(p)
}
