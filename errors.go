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
	"errors"
	"unsafe"

	"github.com/go-freestore/freestore/internal/chunk"
)

// The two recoverable failures. Corruption is not an error value; it is a
// process abort.
var (
	// ErrNoMem reports an exhausted or overflowing request.
	ErrNoMem = errors.New("freestore: out of memory")

	// ErrInvalid reports an unusable alignment.
	ErrInvalid = errors.New("freestore: invalid argument")
)

// MallocErr is [Malloc] with an error instead of a bare nil.
func MallocErr(n int) (unsafe.Pointer, error) {
	p := Malloc(n)
	if p == nil {
		return nil, ErrNoMem
	}
	return p, nil
}

// ReallocErr is [Realloc] with an error instead of a bare nil. Note that
// Realloc(p, 0) legitimately returns nil; that case reports no error.
func ReallocErr(p unsafe.Pointer, n int) (unsafe.Pointer, error) {
	q := Realloc(p, n)
	if q == nil && n != 0 {
		return nil, ErrNoMem
	}
	return q, nil
}

// AlignedAllocErr is [AlignedAlloc] distinguishing the two failure modes:
// an alignment past half the address range is ErrInvalid, exhaustion is
// ErrNoMem.
func AlignedAllocErr(align, n int) (unsafe.Pointer, error) {
	if align > chunk.MaxRequest {
		return nil, ErrInvalid
	}
	p := AlignedAlloc(align, n)
	if p == nil {
		return nil, ErrNoMem
	}
	return p, nil
}
