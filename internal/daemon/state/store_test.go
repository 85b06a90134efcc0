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

package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/pkg/errors"
)

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "domed.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newJob(id string) *Job {
	return &Job{
		JobID:       id,
		RunID:       "run-" + id,
		ToolID:      "job.noop",
		Profile:     "default",
		State:       JobStateQueued,
		RequestHash: "hash-" + id,
	}
}

func TestJobLifecycle(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateJob(ctx, newJob("j1")))

			job, err := store.GetJob(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, JobStateQueued, job.State)

			require.NoError(t, store.UpdateJobState(ctx, "j1", JobStateRunning, nil))
			code := 0
			require.NoError(t, store.UpdateJobState(ctx, "j1", JobStateSucceeded, &code))

			job, err = store.GetJob(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, JobStateSucceeded, job.State)
			require.NotNil(t, job.ExitCode)
			assert.Equal(t, 0, *job.ExitCode)
		})
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateJob(ctx, newJob("j2")))
			require.NoError(t, store.UpdateJobState(ctx, "j2", JobStateCanceled, nil))

			err := store.UpdateJobState(ctx, "j2", JobStateRunning, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrTerminalState))
		})
	}
}

func TestGetMissingJobReturnsNotFound(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetJob(context.Background(), "missing")
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrNotFound))
		})
	}
}

func TestEventSeqGapless(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateJob(ctx, newJob("j3")))
			for i := 0; i < 5; i++ {
				event, err := store.AppendEvent(ctx, "j3", EventTypeLog, map[string]any{"line": i})
				require.NoError(t, err)
				assert.Equal(t, int64(i+1), event.Seq)
			}

			events, err := store.EventsSince(ctx, "j3", 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 5)
			for i, event := range events {
				assert.Equal(t, int64(i+1), event.Seq)
			}

			tail, err := store.EventsSince(ctx, "j3", 3, 0)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, int64(4), tail[0].Seq)

			limited, err := store.EventsSince(ctx, "j3", 0, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestIdempotencyLedger(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutIdempotency(ctx, "client-a", "key-1", "hash-x", "j-1"))

			// 相同 hash 重放是幂等的
			require.NoError(t, store.PutIdempotency(ctx, "client-a", "key-1", "hash-x", "j-1"))

			hash, jobID, found, err := store.LookupIdempotency(ctx, "client-a", "key-1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "hash-x", hash)
			assert.Equal(t, "j-1", jobID)

			err = store.PutIdempotency(ctx, "client-a", "key-1", "hash-y", "j-2")
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrIdempotencyReused))

			_, _, found, err = store.LookupIdempotency(ctx, "client-b", "key-1")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCollectGarbage(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateJob(ctx, newJob("old")))
			require.NoError(t, store.UpdateJobState(ctx, "old", JobStateSucceeded, nil))
			_, err := store.AppendEvent(ctx, "old", EventTypeStateChange, map[string]any{"to": "succeeded"})
			require.NoError(t, err)
			require.NoError(t, store.PutIdempotency(ctx, "client-a", "key-old", "hash-old", "old"))

			require.NoError(t, store.CreateJob(ctx, newJob("live")))
			require.NoError(t, store.UpdateJobState(ctx, "live", JobStateRunning, nil))

			collected, err := store.CollectGarbage(ctx, time.Now().UTC().Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, 1, collected)

			_, err = store.GetJob(ctx, "old")
			assert.True(t, errors.Is(err, errors.ErrNotFound))
			_, err = store.GetJob(ctx, "live")
			require.NoError(t, err)
			_, _, found, err := store.LookupIdempotency(ctx, "client-a", "key-old")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestJobStateJSONRoundTrip(t *testing.T) {
	raw, err := JobStateSucceeded.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"succeeded"`, string(raw))

	var s JobState
	require.NoError(t, s.UnmarshalJSON([]byte(`"canceled"`)))
	assert.Equal(t, JobStateCanceled, s)
	assert.True(t, s.Terminal())

	require.Error(t, s.UnmarshalJSON([]byte(`"banana"`)))
}

// 枚举编号是线协议的一部分，改号即破坏兼容。
func TestEventTypeWireNumbering(t *testing.T) {
	assert.Equal(t, EventType(0), EventTypeUnspecified)
	assert.Equal(t, EventType(1), EventTypeStateChange)
	assert.Equal(t, EventType(2), EventTypeLog)
	assert.Equal(t, EventType(3), EventTypeGuard)
	assert.Equal(t, EventType(4), EventTypeError)
	assert.Equal(t, "guard", EventTypeGuard.String())
}
