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

// Package security 运行时写路径护栏
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AssertRuntimePath 校验 path 是 repo 相对路径且解析后落在 <root>/ops/runtime 下。
// 绝对路径与父目录穿越一律拒绝。
func AssertRuntimePath(path string, repoRoot string, label string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("%s must be repo-relative under ops/runtime (absolute paths are not allowed): %s", label, path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%s must not contain parent traversal: %s", label, path)
		}
	}
	allowedRoot, err := filepath.Abs(filepath.Join(repoRoot, "ops", "runtime"))
	if err != nil {
		return err
	}
	resolved, err := filepath.Abs(filepath.Join(repoRoot, path))
	if err != nil {
		return err
	}
	if resolved != allowedRoot && !strings.HasPrefix(resolved, allowedRoot+string(filepath.Separator)) {
		return fmt.Errorf("%s must resolve under ops/runtime: %s", label, path)
	}
	return nil
}
