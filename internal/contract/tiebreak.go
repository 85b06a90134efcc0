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

package contract

import "sort"

// TieBreakKey 可调度任务的确定性排序键。
// (priority, created_at, payload_digest, task_id) 逐字段字符串升序，
// 任意两任务至少在 task_id 上可分，排序必定全序。
type TieBreakKey [4]string

// TieBreak 计算任务排序键
func TieBreak(task *Task) TieBreakKey {
	return TieBreakKey{task.Priority, task.CreatedAt, task.PayloadDigest, task.TaskID}
}

// Less 字典序比较
func (k TieBreakKey) Less(other TieBreakKey) bool {
	for i := range k {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return false
}

// SortDispatchable 按 tie-break 键原地排序
func SortDispatchable(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return TieBreak(tasks[i]).Less(TieBreak(tasks[j]))
	})
}
