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
	"testing"
	"unsafe"

	freestore "github.com/go-freestore/freestore"
)

func BenchmarkMallocFreeSmall(b *testing.B) {
	for b.Loop() {
		p := freestore.Malloc(64)
		freestore.Free(p)
	}
}

func BenchmarkMallocFreeLarge(b *testing.B) {
	for b.Loop() {
		p := freestore.Malloc(64 << 10)
		freestore.Free(p)
	}
}

func BenchmarkChurn(b *testing.B) {
	var held [64]unsafe.Pointer
	i := 0
	for b.Loop() {
		slot := i & 63
		if held[slot] != nil {
			freestore.Free(held[slot])
		}
		held[slot] = freestore.Malloc(16 + (i*37)%1500)
		i++
	}
	for _, p := range held {
		freestore.Free(p)
	}
}

func BenchmarkParallelMixed(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			p := freestore.Malloc(32 + (i*53)%900)
			if p != nil {
				freestore.Free(p)
			}
			i++
		}
	})
}
