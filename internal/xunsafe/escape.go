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

package xunsafe

import "unsafe"

// The allocator crosses the GC's sight line in both directions: heap
// headers in off-heap memory hold integer-typed back-pointers to Go
// objects, and hot paths turn addresses of Go objects into integers many
// times per call. Escape and NoEscape are the two levers for keeping the
// compiler's escape analysis honest about each case.

var (
	alwaysFalse bool
	sink        unsafe.Pointer //nolint:unused
)

// Escape forces p to be treated as escaping, guaranteeing it is
// heap-allocated.
//
// Call it before storing p's address as a raw integer somewhere the GC
// cannot see (a heap header's arena back-pointer): an object that only
// ever lived in a stack frame would move out from under the stored
// address.
func Escape[P ~*E, E any](p P) P {
	if alwaysFalse {
		sink = unsafe.Pointer(p)
	}
	return p
}

// NoEscape hides p from escape analysis.
//
// Use it when an address is taken only to be flattened into an [Addr] and
// never outlives the operation, like posing an arena's bin table as a row
// of chunk headers: without the hint, every bin lookup would count as an
// escape of the whole arena.
func NoEscape[P ~*E, E any](p P) P {
	//nolint:staticcheck // False positive: complains that p^0 does nothing.
	return P((AddrOf(p) ^ 0).AssertValid())
}
