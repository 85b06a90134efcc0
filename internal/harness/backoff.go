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

package harness

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
)

// BackoffMs 第 attempt 次失败后的退避毫秒数。
// 指数退避封顶 maxMs，抖动由 "{task_id}:{attempt}" 种子派生，重放可复现。
func BackoffMs(taskID string, attempt int, baseMs, maxMs int64) int64 {
	if baseMs <= 0 {
		baseMs = 100
	}
	if maxMs <= 0 {
		maxMs = 5000
	}
	backoff := baseMs
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxMs {
			backoff = maxMs
			break
		}
	}
	if backoff > maxMs {
		backoff = maxMs
	}
	jitter := 1.0 + seededFloat(fmt.Sprintf("%s:%d", taskID, attempt))*0.2
	return int64(float64(backoff) * jitter)
}

// seededFloat [0,1) 的确定性伪随机数
func seededFloat(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	n := int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
	return rand.New(rand.NewSource(n)).Float64()
}
