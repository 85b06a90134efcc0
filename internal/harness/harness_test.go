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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/internal/reason"
	"dome/pkg/evidence"
)

func newHarness(t *testing.T, worker AttemptWorker, maxRetries int) (*Harness, *eventbus.Bus) {
	t.Helper()
	bus, err := eventbus.NewBus("")
	require.NoError(t, err)
	h := New(bus, worker, t.TempDir(), "run-h", maxRetries, 1, 4, nil)
	h.Sleep = func(time.Duration) {}
	return h, bus
}

func TestTransientThenPassRetries(t *testing.T) {
	worker := AttemptFunc(func(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error) {
		if attempt == 1 {
			return &AttemptOutcome{Status: contract.ResultFail, ReasonCode: reason.CodeTransientNetwork, Transient: true}, nil
		}
		return &AttemptOutcome{Status: contract.ResultPass}, nil
	})
	h, bus := newHarness(t, worker, 3)
	task := &contract.Task{TaskID: "t-retry", Goal: "g", Status: contract.StatusQueued, WorkerModel: "model-a"}
	result, err := h.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, contract.ResultPass, result.Status)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, result.AttemptHistory, 2)
	assert.Equal(t, reason.CodeTransientNetwork, result.AttemptHistory[0].ReasonCode)
	require.Len(t, result.RetryBackoffMs, 1)
	assert.Greater(t, result.RetryBackoffMs[0], int64(0))
	// 每次尝试一条 raw 事件，外加一条终态 task.result
	assert.Equal(t, 2, bus.Subscribe(eventbus.TopicTaskResultRaw).Len())
	assert.Equal(t, 1, bus.Subscribe(eventbus.TopicTaskResult).Len())
}

func TestExhaustedRetriesGoToDLQ(t *testing.T) {
	worker := AttemptFunc(func(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error) {
		return &AttemptOutcome{Status: contract.ResultFail, ReasonCode: reason.CodeTransientTimeout, Transient: true}, nil
	})
	h, _ := newHarness(t, worker, 2)
	task := &contract.Task{TaskID: "t-dlq", Goal: "g", Status: contract.StatusQueued}
	result, err := h.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, contract.ResultFail, result.Status)
	assert.Equal(t, 2, result.Attempts)
	require.NotEmpty(t, result.DLQPath)
	_, err = os.Stat(result.DLQPath)
	require.NoError(t, err)
}

func TestDeterministicFailureWritesNoDLQ(t *testing.T) {
	worker := AttemptFunc(func(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error) {
		return &AttemptOutcome{Status: contract.ResultFail, ReasonCode: reason.CodeExecNonzeroExit}, nil
	})
	h, _ := newHarness(t, worker, 3)
	task := &contract.Task{TaskID: "t-det", Goal: "g", Status: contract.StatusQueued}
	result, err := h.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, contract.ResultFail, result.Status)
	assert.Empty(t, result.DLQPath)
	_, err = os.Stat(filepath.Join(h.RunDir, "dlq", "t-det.dlq.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeterministicFailureDoesNotRetry(t *testing.T) {
	calls := 0
	worker := AttemptFunc(func(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error) {
		calls++
		return &AttemptOutcome{Status: contract.ResultFail, ReasonCode: reason.CodeExecNonzeroExit}, nil
	})
	h, _ := newHarness(t, worker, 3)
	result, err := h.Run(context.Background(), &contract.Task{TaskID: "t-hard", Status: contract.StatusQueued})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, contract.ResultFail, result.Status)
}

func TestEvidenceBundlePersistedAndValid(t *testing.T) {
	worker := AttemptFunc(func(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error) {
		return &AttemptOutcome{Status: contract.ResultPass, Notes: "api_key=supersecret done"}, nil
	})
	h, _ := newHarness(t, worker, 2)
	result, err := h.Run(context.Background(), &contract.Task{TaskID: "t-ev", Status: contract.StatusQueued, WorkerModel: "model-a"})
	require.NoError(t, err)

	bundle, err := evidence.Load(result.EvidenceBundlePath)
	require.NoError(t, err)
	assert.Equal(t, "run-h", bundle.OTel.RunID)
	assert.Equal(t, "t-ev", bundle.Signals["task.id"])
	require.Len(t, bundle.Artifacts, 2)
	for _, artifact := range bundle.Artifacts {
		assert.NotEmpty(t, artifact.SHA256)
		assert.Greater(t, artifact.Bytes, int64(0))
	}
}

func TestBackoffDeterministicAndBounded(t *testing.T) {
	a := BackoffMs("t-x", 1, 100, 5000)
	b := BackoffMs("t-x", 1, 100, 5000)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, int64(100))
	assert.LessOrEqual(t, a, int64(120))

	capped := BackoffMs("t-x", 10, 100, 5000)
	assert.LessOrEqual(t, capped, int64(6000))
	assert.GreaterOrEqual(t, capped, int64(5000))
}
