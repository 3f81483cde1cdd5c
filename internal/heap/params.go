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
	"os"
	"runtime"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/go-freestore/freestore/internal/chunk"
	"github.com/go-freestore/freestore/internal/debug"
)

// Default tuning values, 64-bit instantiation.
const (
	defaultTrimThreshold = 128 * 1024
	defaultTopPad        = 128 * 1024
	defaultMmapThreshold = 128 * 1024
	defaultMmapMax       = 65536

	// mmapThresholdMax bounds the dynamic mmap threshold; the trim
	// threshold tracks it at 2x.
	mmapThresholdMax = 32 * 1024 * 1024

	// fastConsolidateThreshold is the coalesced-chunk size above which a
	// release drains the fast bins.
	fastConsolidateThreshold = 64 * 1024

	// mainReserve is the address-space reservation backing the main
	// arena's contiguous heap. Purely virtual until committed.
	mainReserve = 1 << 30
)

// mallocPar is the process-wide configuration record. Tuning through Mallopt
// is serialized through the main arena's mutex; the dynamic-threshold update
// in munmapChunk writes mmapThreshold and trimThreshold without any lock.
// Reads from the hot paths are deliberately unsynchronized, matching the
// tolerance of the design (a stale tunable read is harmless).
type mallocPar struct {
	trimThreshold  int
	topPad         int
	mmapThreshold  int
	noDynThreshold bool
	mmapMax        int

	arenaTest int
	arenaMax  int

	// maxFast is the fast-bin ceiling as a chunk size; 0 disables fast
	// bins entirely.
	maxFast int

	perturb byte

	tcacheCount         int
	tcacheBins          int
	tcacheUnsortedLimit int

	// Oversize-mapping counters, shared by every arena.
	nMmaps        atomic.Int64
	maxNMmaps     atomic.Int64
	mmappedMem    atomic.Int64
	maxMmappedMem atomic.Int64
}

var mp mallocPar

func defaultMaxFast() int {
	size, _ := chunk.Request2Size(chunk.DefaultFastCeiling)
	return size
}

func initParams() {
	mp.trimThreshold = defaultTrimThreshold
	mp.topPad = defaultTopPad
	mp.mmapThreshold = defaultMmapThreshold
	mp.mmapMax = defaultMmapMax
	mp.arenaTest = 8
	mp.arenaMax = 0 // 0 means "derive from CPU count"
	mp.maxFast = defaultMaxFast()
	mp.tcacheCount = chunk.TcacheDefaultCount
	mp.tcacheBins = chunk.TcacheMaxBins
	mp.tcacheUnsortedLimit = 0

	loadTuneFile()
}

func narenasLimit() int {
	if mp.arenaMax > 0 {
		return mp.arenaMax
	}
	return 8 * runtime.GOMAXPROCS(0)
}

// tuneFile is the schema of the optional YAML tuning file named by the
// FREESTORE_TUNE environment variable. Unknown keys are ignored; a missing
// or unreadable file is ignored too, so a bad deployment cannot take the
// process down before main runs.
type tuneFile struct {
	FastCeiling         *int  `yaml:"fast-ceiling"`
	TrimThreshold       *int  `yaml:"trim-threshold"`
	TopPad              *int  `yaml:"top-pad"`
	MmapThreshold       *int  `yaml:"mmap-threshold"`
	MmapMax             *int  `yaml:"mmap-max"`
	Perturb             *int  `yaml:"perturb"`
	ArenaTest           *int  `yaml:"arena-test"`
	ArenaMax            *int  `yaml:"arena-max"`
	TcacheCount         *int  `yaml:"tcache-count"`
	TcacheMax           *int  `yaml:"tcache-max"`
	TcacheUnsortedLimit *int  `yaml:"tcache-unsorted-limit"`
	DisableDynThreshold *bool `yaml:"no-dynamic-mmap-threshold"`
}

func loadTuneFile() {
	path := os.Getenv("FREESTORE_TUNE")
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var tf tuneFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return
	}

	set := func(p Param, v *int) {
		if v != nil {
			applyParam(p, *v)
		}
	}
	set(ParamFastCeiling, tf.FastCeiling)
	set(ParamTrimThreshold, tf.TrimThreshold)
	set(ParamTopPad, tf.TopPad)
	set(ParamMmapThreshold, tf.MmapThreshold)
	set(ParamMmapMax, tf.MmapMax)
	set(ParamPerturb, tf.Perturb)
	set(ParamArenaTest, tf.ArenaTest)
	set(ParamArenaMax, tf.ArenaMax)
	set(ParamTcacheCount, tf.TcacheCount)
	set(ParamTcacheMax, tf.TcacheMax)
	set(ParamTcacheUnsortedLimit, tf.TcacheUnsortedLimit)
	if tf.DisableDynThreshold != nil {
		mp.noDynThreshold = *tf.DisableDynThreshold
	}
	debug.Log(nil, "tune", "loaded %s", path)
}

// Param identifies a tunable of the process-wide configuration record.
type Param int

const (
	// ParamFastCeiling is the upper bound, in request bytes (0..80), of
	// sizes eligible for fast bins. 0 disables fast bins.
	ParamFastCeiling Param = iota + 1

	// ParamTrimThreshold is the residual top-chunk size above which
	// auto-trim fires on release. -1 disables auto-trim.
	ParamTrimThreshold

	// ParamTopPad is added to every heap-extension request beyond the
	// immediate need.
	ParamTopPad

	// ParamMmapThreshold is the size at or above which an allocation is
	// served by an isolated page mapping. Setting it pins the threshold,
	// disabling the dynamic adjustment.
	ParamMmapThreshold

	// ParamMmapMax caps simultaneously-live page-mapped chunks; 0
	// disables the mapping path.
	ParamMmapMax

	// ParamPerturb sets the perturb byte. Freshly allocated regions are
	// filled with value^0xFF, released regions with value.
	ParamPerturb

	// ParamArenaTest and ParamArenaMax control arena-creation policy.
	ParamArenaTest
	ParamArenaMax

	// ParamTcacheCount caps chunks per thread-cache bucket.
	ParamTcacheCount

	// ParamTcacheMax is the largest request, in bytes, cached per thread.
	ParamTcacheMax

	// ParamTcacheUnsortedLimit caps chunks inspected during the unsorted
	// drain once a cached exact fit exists. 0 means no limit.
	ParamTcacheUnsortedLimit
)

// Mallopt adjusts one tunable. It locks the main arena, drains its fast
// bins, and applies the change, reporting whether the parameter was
// recognized and in range.
func Mallopt(p Param, value int) bool {
	Init()
	mainArena.mu.Lock()
	defer mainArena.mu.Unlock()
	mainArena.consolidate()
	return applyParam(p, value)
}

func applyParam(p Param, value int) bool {
	switch p {
	case ParamFastCeiling:
		if value < 0 || value > chunk.MaxFastCeiling {
			return false
		}
		if value == 0 {
			mp.maxFast = 0
			return true
		}
		size, ok := chunk.Request2Size(value)
		if !ok {
			return false
		}
		mp.maxFast = size
	case ParamTrimThreshold:
		mp.trimThreshold = value
	case ParamTopPad:
		if value < 0 {
			return false
		}
		mp.topPad = value
	case ParamMmapThreshold:
		if value < 0 {
			return false
		}
		mp.mmapThreshold = value
		mp.noDynThreshold = true
	case ParamMmapMax:
		if value < 0 {
			return false
		}
		mp.mmapMax = value
	case ParamPerturb:
		mp.perturb = byte(value)
	case ParamArenaTest:
		if value < 1 {
			return false
		}
		mp.arenaTest = value
	case ParamArenaMax:
		if value < 0 {
			return false
		}
		mp.arenaMax = value
	case ParamTcacheCount:
		if value < 0 || value > 65535 {
			return false
		}
		mp.tcacheCount = value
	case ParamTcacheMax:
		if value < 0 {
			return false
		}
		size, ok := chunk.Request2Size(value)
		if !ok || size > chunk.TcacheMaxChunk {
			return false
		}
		mp.tcacheBins = chunk.TcacheIndex(size) + 1
	case ParamTcacheUnsortedLimit:
		if value < 0 {
			return false
		}
		mp.tcacheUnsortedLimit = value
	default:
		return false
	}
	return true
}
