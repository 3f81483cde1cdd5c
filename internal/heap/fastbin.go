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
	"sync/atomic"

	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
)

// Fast bins are per-arena LIFO stacks of small chunks linked through their
// fd slot. Pushes and pops are compare-and-swap loops on the head word, so
// they make progress even while another goroutine holds the arena mutex for
// slow-path work. Fast chunks keep the P bit set on their successor; they
// are invisible to the coalescer until consolidate folds them out.

func (ar *Arena) fastbin(i int) *atomic.Uintptr { return &ar.fastBins[i] }

// fastPush pushes p onto its fast bin. The caller has validated sizes.
func (ar *Arena) fastPush(p chunk.Ptr, idx int) {
	ar.haveFast.Store(true)
	fb := ar.fastbin(idx)
	for {
		old := fb.Load()
		if old == uintptr(p) {
			fatal("double free or corruption (fasttop)")
		}
		p.SetFd(chunk.Ptr(old))
		if fb.CompareAndSwap(old, uintptr(p)) {
			return
		}
	}
}

// fastPop pops the head of fast bin idx, verifying that the popped chunk
// actually belongs there.
func (ar *Arena) fastPop(idx int) chunk.Ptr {
	fb := ar.fastbin(idx)
	for {
		old := fb.Load()
		if old == 0 {
			return 0
		}
		victim := chunk.Ptr(old)
		if fb.CompareAndSwap(old, uintptr(victim.Fd())) {
			if chunk.FastIndex(victim.Size()) != idx {
				fatal("malloc(): memory corruption (fast)")
			}
			return victim
		}
	}
}

// consolidate detaches every fast-bin chunk, coalesces each with its free
// physical neighbors, and deposits the result in the unsorted queue (or
// folds it into the top chunk). This is the only way fast chunks rejoin the
// general population.
func (ar *Arena) consolidate() {
	ar.haveFast.Store(false)

	unsorted := ar.unsortedBin()
	for i := range ar.fastBins {
		p := chunk.Ptr(ar.fastBins[i].Swap(0))
		for !p.IsNil() {
			next := p.Fd()

			size := p.Size()
			if chunk.FastIndex(size) != i {
				fatal("malloc_consolidate(): invalid chunk size")
			}

			if !p.PrevInUse() {
				prevSize := p.PrevSize()
				size += prevSize
				p = p.ByteAdd(-prevSize)
				if p.Size() != prevSize {
					fatal("corrupted size vs. prev_size while consolidating")
				}
				ar.unlink(p)
			}

			if nextChunk := p.ByteAdd(size); nextChunk != ar.top {
				nextSize := nextChunk.Size()
				if !nextChunk.ByteAdd(nextSize).PrevInUse() {
					size += nextSize
					ar.unlink(nextChunk)
				} else {
					nextChunk.ClearInUseAt(0)
				}

				first := unsorted.Fd()
				unsorted.SetFd(p)
				first.SetBk(p)
				p.SetBk(unsorted)
				p.SetFd(first)

				if !chunk.InSmallRange(size) {
					p.SetFdNextsize(0)
					p.SetBkNextsize(0)
				}
				p.SetHead(size, chunk.FlagPrevInUse)
				p.SetFoot(size)
			} else {
				size += ar.top.Size()
				p.SetHead(size, chunk.FlagPrevInUse)
				ar.top = p
			}

			p = next
		}
	}
	debug.Log(ar.logsTo(), "consolidate", "done")
}
