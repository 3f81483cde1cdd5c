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

// MemStats is a snapshot of the allocator's OS-memory counters. Per-arena
// numbers are read under that arena's mutex, so each arena's contribution
// is internally consistent; the totals across arenas are not a global
// linearization point.
type MemStats struct {
	Arenas int

	// SystemBytes is memory currently obtained from the OS for arenas;
	// MaxSystemBytes is its high-water mark.
	SystemBytes    int
	MaxSystemBytes int

	// MmapRegions / MmapBytes cover live oversize mappings.
	MmapRegions  int
	MmapBytes    int
	MaxMmapBytes int
}

// Stats collects a counters snapshot across every arena.
func Stats() MemStats {
	Init()
	var st MemStats
	ar := &mainArena
	for {
		ar.mu.Lock()
		st.Arenas++
		st.SystemBytes += int(ar.systemMem.Load())
		st.MaxSystemBytes += ar.maxSystemMem
		ar.mu.Unlock()
		next := ar.nextArena()
		if next == &mainArena {
			break
		}
		ar = next
	}
	st.MmapRegions = int(mp.nMmaps.Load())
	st.MmapBytes = int(mp.mmappedMem.Load())
	st.MaxMmapBytes = int(mp.maxMmappedMem.Load())
	return st
}
