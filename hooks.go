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
	"sync/atomic"
	"unsafe"
)

// Hooks intercept the public entry points wholesale: a non-nil function
// replaces the engine for that entry. Intended for tracing wrappers and
// test instrumentation, in the tradition of the classical allocation hooks.
//
// Hooks that want the real behavior must call back into the package after
// clearing themselves, or keep the previous Hooks value and delegate.
type Hooks struct {
	Malloc       func(n int) unsafe.Pointer
	Free         func(p unsafe.Pointer)
	Realloc      func(p unsafe.Pointer, n int) unsafe.Pointer
	AlignedAlloc func(align, n int) unsafe.Pointer
}

var hooks atomic.Pointer[Hooks]

// SetHooks installs h (nil uninstalls), returning the previous value.
// The swap is atomic; in-flight calls may still complete against the old
// hooks.
func SetHooks(h *Hooks) *Hooks {
	return hooks.Swap(h)
}
