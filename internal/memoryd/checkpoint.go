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

package memoryd

import (
	"encoding/json"
	"os"
	"sort"

	"dome/internal/fsatomic"
)

// Checkpoint 已物化 run 的账
type Checkpoint struct {
	ProcessedRuns []string `json:"processed_runs"`
}

// LoadCheckpoint 缺失文件等价于空账
func LoadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{ProcessedRuns: []string{}}, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	if cp.ProcessedRuns == nil {
		cp.ProcessedRuns = []string{}
	}
	return &cp, nil
}

// Save 排序后原子落盘
func (c *Checkpoint) Save(path string) error {
	sort.Strings(c.ProcessedRuns)
	return fsatomic.WriteJSON(path, c)
}

// Mark 记入一个 run；重复记入无效果
func (c *Checkpoint) Mark(runID string) {
	for _, id := range c.ProcessedRuns {
		if id == runID {
			return
		}
	}
	c.ProcessedRuns = append(c.ProcessedRuns, runID)
}

// Pending discovered 里未物化的 run，保持发现顺序
func (c *Checkpoint) Pending(discovered []string) []string {
	processed := make(map[string]bool, len(c.ProcessedRuns))
	for _, id := range c.ProcessedRuns {
		processed[id] = true
	}
	var out []string
	for _, id := range discovered {
		if !processed[id] {
			out = append(out, id)
		}
	}
	return out
}

// DiscoverRuns run 根目录下的一层子目录名，字典序
func DiscoverRuns(runRoot string) ([]string, error) {
	entries, err := os.ReadDir(runRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
