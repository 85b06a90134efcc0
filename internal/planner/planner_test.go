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

package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/internal/contract"
)

func TestBuildWorkQueueWithVerify(t *testing.T) {
	pc := &contract.PreContract{
		PacketID: "pkt-0001",
		BaseRef:  "main",
		Budgets:  contract.Budgets{IterationBudget: 3},
		Actions:  contract.Actions{Test: []any{"sh", "scripts/verify.sh"}},
	}
	wq, err := BuildWorkQueue(pc)
	require.NoError(t, err)
	assert.Equal(t, "pkt-0001", wq.RunID)
	assert.Equal(t, 3, wq.MaxWorkers)
	require.Len(t, wq.Tasks, 3)
	assert.Equal(t, "pkt-0001-plan", wq.Tasks[0].TaskID)
	assert.Empty(t, wq.Tasks[0].Dependencies)
	assert.Equal(t, []string{"pkt-0001-plan"}, wq.Tasks[1].Dependencies)
	assert.Equal(t, []string{"pkt-0001-implement"}, wq.Tasks[2].Dependencies)
	for _, task := range wq.Tasks {
		assert.Equal(t, contract.StatusQueued, task.Status)
		assert.NotEmpty(t, task.PayloadDigest)
	}
}

func TestBuildWorkQueueWithoutVerify(t *testing.T) {
	pc := &contract.PreContract{PacketID: "pkt-0002"}
	wq, err := BuildWorkQueue(pc)
	require.NoError(t, err)
	require.Len(t, wq.Tasks, 2)
	assert.Equal(t, 2, wq.MaxWorkers)
	assert.Equal(t, "main", wq.BaseRef)
}

func TestBuildWorkQueueDeterministic(t *testing.T) {
	pc := &contract.PreContract{PacketID: "pkt-0003", Actions: contract.Actions{Test: "sh verify.sh"}}
	a, err := BuildWorkQueue(pc)
	require.NoError(t, err)
	b, err := BuildWorkQueue(pc)
	require.NoError(t, err)
	require.Equal(t, len(a.Tasks), len(b.Tasks))
	for i := range a.Tasks {
		assert.Equal(t, a.Tasks[i].PayloadDigest, b.Tasks[i].PayloadDigest)
	}
}
