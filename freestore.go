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

package freestore

import (
	"unsafe"

	"github.com/go-freestore/freestore/internal/heap"
	"github.com/go-freestore/freestore/internal/xunsafe"
)

// Malloc returns a pointer to at least n bytes of uninitialized memory,
// aligned to at least twice the word size. A request of 0 yields a valid
// minimum-size allocation. Returns nil when n exceeds the request ceiling
// or memory is exhausted.
func Malloc(n int) unsafe.Pointer {
	if h := hooks.Load(); h != nil && h.Malloc != nil {
		return h.Malloc(n)
	}
	return heap.Malloc(n)
}

// Calloc returns zeroed memory for count elements of size bytes each,
// or nil if the product overflows or memory is exhausted.
func Calloc(count, size int) unsafe.Pointer {
	if h := hooks.Load(); h != nil && h.Malloc != nil {
		if count < 0 || size < 0 {
			return nil
		}
		bytes := count * size
		if size != 0 && bytes/size != count {
			return nil
		}
		p := h.Malloc(bytes)
		if p != nil {
			xunsafe.Clear((*byte)(p), bytes)
		}
		return p
	}
	return heap.Calloc(count, size)
}

// Free releases memory previously returned by [Malloc], [Calloc],
// [Realloc] or [AlignedAlloc]. Free(nil) is a no-op. Anything else -
// a foreign pointer, a second release - is undefined behavior, caught on a
// best-effort basis by a fatal diagnostic.
func Free(p unsafe.Pointer) {
	if h := hooks.Load(); h != nil && h.Free != nil {
		h.Free(p)
		return
	}
	heap.Free(p)
}

// Realloc resizes the allocation behind p to at least n bytes, preserving
// the first min(old, n) bytes. Realloc(nil, n) allocates; Realloc(p, 0)
// releases p and returns nil. On failure the old allocation is untouched
// and nil is returned.
func Realloc(p unsafe.Pointer, n int) unsafe.Pointer {
	if h := hooks.Load(); h != nil && h.Realloc != nil {
		return h.Realloc(p, n)
	}
	return heap.Realloc(p, n)
}

// AlignedAlloc returns n bytes whose address is a multiple of align.
// align must be a power of two (others are rounded up); the effective
// alignment is never below the allocator's quantum. Returns nil for
// an alignment beyond half the address range, or on exhaustion.
func AlignedAlloc(align, n int) unsafe.Pointer {
	if h := hooks.Load(); h != nil && h.AlignedAlloc != nil {
		return h.AlignedAlloc(align, n)
	}
	return heap.Memalign(align, n)
}

// Memalign is an alias for [AlignedAlloc], for callers porting C.
func Memalign(align, n int) unsafe.Pointer { return AlignedAlloc(align, n) }

// UsableSize reports the usable capacity behind a live pointer: at least
// the size that was requested, often more. UsableSize(nil) is 0. Intended
// for diagnostics.
func UsableSize(p unsafe.Pointer) int {
	return heap.UsableSize(p)
}

// Trim returns unused memory to the operating system, keeping at least pad
// bytes of slack in the main arena's wilderness, and advises out whole free
// pages trapped inside bins. Reports whether anything was released.
func Trim(pad int) bool {
	return heap.Trim(pad)
}

// Param identifies an allocator tunable; see the Param* constants.
type Param = heap.Param

// The recognized tunables.
const (
	ParamFastCeiling         = heap.ParamFastCeiling
	ParamTrimThreshold       = heap.ParamTrimThreshold
	ParamTopPad              = heap.ParamTopPad
	ParamMmapThreshold       = heap.ParamMmapThreshold
	ParamMmapMax             = heap.ParamMmapMax
	ParamPerturb             = heap.ParamPerturb
	ParamArenaTest           = heap.ParamArenaTest
	ParamArenaMax            = heap.ParamArenaMax
	ParamTcacheCount         = heap.ParamTcacheCount
	ParamTcacheMax           = heap.ParamTcacheMax
	ParamTcacheUnsortedLimit = heap.ParamTcacheUnsortedLimit
)

// Mallopt adjusts one tunable, reporting whether the parameter was
// recognized and the value in range. Tunables may also be set before first
// use through a YAML file named by the FREESTORE_TUNE environment variable.
func Mallopt(param Param, value int) bool {
	return heap.Mallopt(param, value)
}

// MemStats is a snapshot of the allocator's OS-memory counters.
type MemStats = heap.MemStats

// Stats returns a counters snapshot across all arenas.
func Stats() MemStats {
	return heap.Stats()
}
