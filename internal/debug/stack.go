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

package debug

import (
	"fmt"
	"path"
	"runtime"
	"strings"
)

// maxStackFrames bounds a [Stack] capture; an abort report does not need
// the whole goroutine history, just how the heap walker got here.
const maxStackFrames = 64

// Stack formats the calling goroutine's stack, skipping skip frames
// (0 includes Stack itself). One line per frame, callee first:
//
//	- github.com/go-freestore/freestore/internal/heap.(*Arena).unlink (bins.go:57)
//
// Used by the abort reporter in debug builds; unlike
// [runtime/debug.Stack] it must not allocate through the allocator under
// test, so everything stays in ordinary Go memory.
func Stack(skip int) string {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(skip+1, pcs)

	var out strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function == "" {
			break
		}
		fmt.Fprintf(&out, "- %s (%s:%d)\n",
			frame.Function, path.Base(frame.File), frame.Line)
		if !more {
			break
		}
	}
	if n == len(pcs) {
		out.WriteString("- ...\n")
	}
	return out.String()
}
