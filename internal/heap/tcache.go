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
	"math/rand/v2"
	"runtime"

	"github.com/timandy/routine"

	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
	"github.com/go-freestore/freestore/internal/sync2"
)

// The thread cache absorbs the hottest small allocations without touching
// any arena. Each goroutine owns one; there is no lock anywhere on this
// path.
//
// A cached chunk keeps the P bit set on its successor and carries two words
// in its dead payload: the next link of its bucket's LIFO, and a key stamp
// used as a cheap double-free prefilter.

// tcachePerThread is the per-goroutine cache state. It is a plain Go object;
// only the chunks it points at live off-heap.
type tcachePerThread struct {
	counts  [chunk.TcacheMaxBins]uint16
	entries [chunk.TcacheMaxBins]chunk.Ptr

	// arena is the goroutine's current attachment, recorded here so that
	// goroutine retirement can detach it.
	arena *Arena
}

// threadState bundles everything the allocator keeps per goroutine.
type threadState struct {
	tc    *tcachePerThread
	arena *Arena
}

var (
	tcachePool = sync2.Pool[tcachePerThread]{
		Reset: func(tc *tcachePerThread) { *tc = tcachePerThread{} },
	}

	tls = routine.NewThreadLocalWithInitial(newThreadState)

	// tcacheKey stamps cached chunks. Randomized so heap sprays cannot
	// trivially forge a "cached" chunk.
	tcacheKey uintptr
)

func initTcacheKey() {
	tcacheKey = uintptr(rand.Uint64())
	if tcacheKey == 0 {
		tcacheKey = 1
	}
}

func newThreadState() *threadState {
	ts := &threadState{tc: tcachePool.Get()}
	// The goroutine-local reference is dropped when the goroutine exits;
	// once the GC notices, the cache flushes back to its arenas and the
	// payload is recycled for a future goroutine.
	runtime.AddCleanup(ts, retireThreadCache, ts.tc)
	return ts
}

// retireThreadCache returns every cached chunk to its owning arena and
// detaches the dead goroutine's arena.
func retireThreadCache(tc *tcachePerThread) {
	for i := range tc.entries {
		for !tc.entries[i].IsNil() {
			p := tc.entries[i]
			tc.entries[i] = tcacheNextOf(p)
			tc.counts[i]--
			setTcacheKeyOf(p, 0)
			freeChunkToArena(p)
		}
	}
	detachArena(tc.arena)
	tc.arena = nil
	tcachePool.Put(tc)
	debug.Log(nil, "tcache", "retired")
}

// The two overlay words of a cached chunk reuse the fd/bk slots: next link
// first, key stamp second.

func tcacheNextOf(p chunk.Ptr) chunk.Ptr { return p.Fd() }

func setTcacheNextOf(p, n chunk.Ptr) { p.SetFd(n) }

func tcacheKeyOf(p chunk.Ptr) uintptr { return uintptr(p.Bk()) }

func setTcacheKeyOf(p chunk.Ptr, k uintptr) { p.SetBk(chunk.Ptr(k)) }

// put caches p in bucket idx. The caller has checked the bucket has
// room.
func (tc *tcachePerThread) put(p chunk.Ptr, idx int) {
	setTcacheNextOf(p, tc.entries[idx])
	setTcacheKeyOf(p, tcacheKey)
	tc.entries[idx] = p
	tc.counts[idx]++
}

// get pops the most recently cached chunk of bucket idx.
func (tc *tcachePerThread) get(idx int) chunk.Ptr {
	p := tc.entries[idx]
	tc.entries[idx] = tcacheNextOf(p)
	tc.counts[idx]--
	setTcacheKeyOf(p, 0)
	return p
}

// checkDoubleFree aborts if p is already sitting in bucket idx. The key
// stamp is the prefilter: only a chunk whose key word happens to equal the
// process key pays for the full bucket scan.
func (tc *tcachePerThread) checkDoubleFree(p chunk.Ptr, idx int) {
	if tcacheKeyOf(p) != tcacheKey {
		return
	}
	for e := tc.entries[idx]; !e.IsNil(); e = tcacheNextOf(e) {
		if e == p {
			fatal("free(): double free detected in tcache 2")
		}
	}
}
