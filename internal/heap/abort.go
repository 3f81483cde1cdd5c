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

	"github.com/go-freestore/freestore/internal/debug"
)

// fatal reports a detected heap-corruption invariant violation and
// terminates the process. The tag strings are stable diagnostic identifiers;
// tooling greps for them, so they must not be reworded. Release builds emit
// the single tag line only; debug builds append the stack that tripped the
// check.
//
// Corruption is never recovered from, no lock is released, and no cleanup
// runs: the state that would have to be walked to clean up is the very thing
// that is broken. The indirection exists so white-box tests can observe the
// tag instead of dying.
var fatal = func(tag string) {
	_, _ = os.Stderr.WriteString(tag + "\n")
	if debug.Enabled {
		_, _ = os.Stderr.WriteString(debug.Stack(2))
	}
	os.Exit(127)
}
