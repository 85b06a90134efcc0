// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssertRuntimePath(t *testing.T) {
	root := t.TempDir()

	assert.NoError(t, AssertRuntimePath(filepath.Join("ops", "runtime", "runs"), root, "--run-root"))
	assert.NoError(t, AssertRuntimePath(filepath.Join("ops", "runtime"), root, "--run-root"))
	assert.NoError(t, AssertRuntimePath(filepath.Join("ops", "runtime", "mcp_events.jsonl"), root, "--event-log"))

	err := AssertRuntimePath("/etc/passwd", root, "--run-root")
	assert.ErrorContains(t, err, "absolute paths are not allowed")

	// 不能用 filepath.Join 构造，Join 会把 .. 净化掉
	err = AssertRuntimePath("ops/runtime/../../secrets", root, "--run-root")
	assert.ErrorContains(t, err, "parent traversal")

	err = AssertRuntimePath("ops/runtime/../runtime/runs", root, "--run-root")
	assert.ErrorContains(t, err, "parent traversal")

	err = AssertRuntimePath(filepath.Join("ops", "other"), root, "--run-root")
	assert.ErrorContains(t, err, "must resolve under ops/runtime")

	// Sibling directory sharing the prefix string is still outside the root.
	err = AssertRuntimePath(filepath.Join("ops", "runtime2"), root, "--run-root")
	assert.ErrorContains(t, err, "must resolve under ops/runtime")
}
