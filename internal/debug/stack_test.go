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

package debug_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-freestore/freestore/internal/debug"
)

func TestStack(t *testing.T) {
	t.Parallel()

	s := debug.Stack(0)
	require.NotEmpty(t, s)

	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "- "), "frame line %q", l)
	}
	assert.Contains(t, s, "TestStack", "the caller appears in its own capture")
	assert.Contains(t, s, "stack_test.go:", "file positions are resolved")

	// Skipping drops the innermost frames.
	inner := func() string { return debug.Stack(2) }()
	assert.NotContains(t, inner, "TestStack.func", "skip=2 hides the closure")
	assert.Contains(t, inner, "TestStack", "but keeps its caller")
}
