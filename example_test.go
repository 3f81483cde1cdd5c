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

package freestore_test

import (
	"fmt"
	"unsafe"

	freestore "github.com/go-freestore/freestore"
)

func Example() {
	// Allocate a buffer outside the Go heap, use it, release it.
	p := freestore.Malloc(64)
	if p == nil {
		panic("out of memory")
	}
	defer freestore.Free(p)

	b := unsafe.Slice((*byte)(p), 64)
	copy(b, "hello from the free store")
	fmt.Println(string(b[:25]))
	fmt.Println(freestore.UsableSize(p) >= 64)
	// Output:
	// hello from the free store
	// true
}

func ExampleAlignedAlloc() {
	p := freestore.AlignedAlloc(4096, 128)
	if p == nil {
		panic("out of memory")
	}
	defer freestore.Free(p)
	fmt.Println(uintptr(p)%4096 == 0)
	// Output:
	// true
}
