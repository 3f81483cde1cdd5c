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

// Package freestore is a general-purpose dynamic memory allocator with the
// classical free-store interface: [Malloc], [Free], [Realloc],
// [AlignedAlloc], plus [Calloc], [UsableSize], [Trim] and the [Mallopt]
// tuning surface.
//
// All memory it manages lives in mmap-backed regions outside the Go heap,
// invisible to the garbage collector. That makes it suitable for data that
// must not move, must not be scanned, or must be handed to code with its own
// lifetime rules; it also makes every pointer it returns exactly as
// dangerous as the C function it is named after.
//
// # Design
//
// Chunks carry boundary tags: a two-word header, and - while free - a
// duplicate size in the successor's first word, so both coalescing
// directions are O(1). Free chunks are organized per arena into fast bins
// (lock-free LIFO stacks of small sizes), an unsorted staging queue,
// exact-size FIFO small bins, and size-sorted large bins with skip
// pointers. A bounded per-goroutine cache sits in front of all of it.
// Multiple arenas keep goroutines from convoying on one mutex; oversize
// requests bypass arenas entirely with isolated page mappings.
//
// # Safety
//
// The allocator detects a curated set of corruption patterns - double
// frees, clobbered links, inconsistent boundary tags - and terminates the
// process with a one-line diagnostic. It does not defend against arbitrary
// memory corruption, and misuse of a returned pointer is undefined behavior
// exactly as in C.
package freestore
