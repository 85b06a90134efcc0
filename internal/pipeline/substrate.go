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

package pipeline

import (
	"os"
	"path/filepath"
)

// substrateDirs 执行面工作目录集合
var substrateDirs = []string{"queue", "out", "locks", "promote", "worktrees", "ledger"}

// EnsureSubstrateLayout 建立 run 目录下的 substrate 布局
func EnsureSubstrateLayout(runDir string) error {
	for _, dir := range substrateDirs {
		if err := os.MkdirAll(filepath.Join(runDir, "substrate", dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}
