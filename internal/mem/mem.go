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

// Package mem is the narrow OS-memory interface the allocator engine is
// written against: reserve/commit/decommit of address-space regions, whole
// anonymous mappings for oversize chunks, and page advise.
//
// All memory handed out by this package lives outside the Go heap. The Go
// garbage collector never observes it, which is what makes the raw chunk
// arithmetic in internal/chunk safe.
package mem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-freestore/freestore/internal/xunsafe"
	"github.com/go-freestore/freestore/internal/xunsafe/layout"
)

var pageSize = unix.Getpagesize()

// PageSize returns the system page size.
func PageSize() int { return pageSize }

// PageAlign rounds n up to a whole number of pages.
func PageAlign(n int) int { return layout.RoundUp(n, pageSize) }

// Region is a run of reserved address space with a committed
// (readable/writable) prefix. Growing the committed prefix is the
// "contiguous heap extension" primitive; shrinking it returns pages to the
// OS without giving up the address range.
type Region struct {
	base      xunsafe.Addr[byte]
	reserved  int
	committed int
}

func mmap(addr unsafe.Pointer, n int, prot int) (unsafe.Pointer, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if prot == unix.PROT_NONE {
		flags |= unix.MAP_NORESERVE
	}
	return unix.MmapPtr(-1, 0, addr, uintptr(n), prot, flags)
}

// Reserve reserves n bytes of address space with no backing pages committed.
func Reserve(n int) (*Region, error) {
	n = PageAlign(n)
	p, err := mmap(nil, n, unix.PROT_NONE)
	if err != nil {
		return nil, err
	}
	return &Region{base: xunsafe.AddrOf((*byte)(p)), reserved: n}, nil
}

// ReserveAligned reserves n bytes of address space whose base is a multiple
// of align, committing nothing. align must be a power of two and a multiple
// of the page size.
func ReserveAligned(n, align int) (xunsafe.Addr[byte], error) {
	n = PageAlign(n)

	// Over-map and shave the misaligned head and tail back off.
	p, err := mmap(nil, n+align, unix.PROT_NONE)
	if err != nil {
		return 0, err
	}
	base := xunsafe.AddrOf((*byte)(p))
	aligned := base.RoundUpTo(align)

	if head := aligned.Sub(base); head > 0 {
		_ = unix.MunmapPtr(p, uintptr(head))
	}
	if tail := base.ByteAdd(n + align).Sub(aligned.ByteAdd(n)); tail > 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(aligned.ByteAdd(n).AssertValid()), uintptr(tail))
	}

	return aligned, nil
}

// CommitRange makes [addr, addr+n) readable and writable. The range must be
// page-aligned and lie within a reservation.
func CommitRange(addr xunsafe.Addr[byte], n int) error {
	if n <= 0 {
		return nil
	}
	return unix.Mprotect(unsafe.Slice(addr.AssertValid(), n), unix.PROT_READ|unix.PROT_WRITE)
}

// DecommitRange drops the pages of [addr, addr+n) and makes them
// inaccessible again, keeping the reservation.
func DecommitRange(addr xunsafe.Addr[byte], n int) error {
	if n <= 0 {
		return nil
	}
	b := unsafe.Slice(addr.AssertValid(), n)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() xunsafe.Addr[byte] { return r.base }

// End returns the address one past the committed prefix.
func (r *Region) End() xunsafe.Addr[byte] { return r.base.ByteAdd(r.committed) }

// Reserved returns the size of the reservation.
func (r *Region) Reserved() int { return r.reserved }

// Committed returns the size of the committed prefix.
func (r *Region) Committed() int { return r.committed }

// Commit grows the committed prefix to at least end bytes, page-rounded.
// Growing past the reservation fails with unix.ENOMEM.
func (r *Region) Commit(end int) error {
	end = PageAlign(end)
	if end > r.reserved {
		return unix.ENOMEM
	}
	if end <= r.committed {
		return nil
	}
	b := unsafe.Slice(r.base.ByteAdd(r.committed).AssertValid(), end-r.committed)
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	r.committed = end
	return nil
}

// Decommit shrinks the committed prefix to end bytes, page-rounded upward,
// returning the released pages to the OS.
func (r *Region) Decommit(end int) error {
	end = PageAlign(end)
	if end >= r.committed {
		return nil
	}
	b := unsafe.Slice(r.base.ByteAdd(end).AssertValid(), r.committed-end)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return err
	}
	r.committed = end
	return nil
}

// Unmap releases the entire reservation.
func (r *Region) Unmap() error {
	err := unix.MunmapPtr(unsafe.Pointer(r.base.AssertValid()), uintptr(r.reserved))
	r.base, r.reserved, r.committed = 0, 0, 0
	return err
}

// Map creates a fresh readable/writable anonymous mapping of n bytes,
// page-rounded. Used for oversize chunks that bypass the arenas.
func Map(n int) (xunsafe.Addr[byte], int, error) {
	n = PageAlign(n)
	p, err := mmap(nil, n, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return 0, 0, err
	}
	return xunsafe.AddrOf((*byte)(p)), n, nil
}

// Unmap releases a mapping created by [Map].
func Unmap(addr xunsafe.Addr[byte], n int) error {
	return unix.MunmapPtr(unsafe.Pointer(addr.AssertValid()), uintptr(n))
}

// Advise tells the OS the given whole pages are not needed soon. The range
// must be page-aligned. The mapping stays valid; contents may be dropped.
func Advise(addr xunsafe.Addr[byte], n int) error {
	if n <= 0 {
		return nil
	}
	return unix.Madvise(unsafe.Slice(addr.AssertValid(), n), unix.MADV_DONTNEED)
}
