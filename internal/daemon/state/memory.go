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
	"sync"
	"time"

	"dome/pkg/errors"
)

type idempotencyEntry struct {
	requestHash string
	jobID       string
}

// memoryStore 进程内存储，测试与一次性运行使用
type memoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	events      map[string][]*Event
	idempotency map[[2]string]idempotencyEntry
}

// NewMemoryStore 构造内存存储
func NewMemoryStore() Store {
	return &memoryStore{
		jobs:        map[string]*Job{},
		events:      map[string][]*Event{},
		idempotency: map[[2]string]idempotencyEntry{},
	}
}

func (m *memoryStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.JobID]; exists {
		return errors.Wrapf(errors.ErrInvalidArg, "job already exists: %s", job.JobID)
	}
	now := time.Now().UTC()
	if job.CreatedTS.IsZero() {
		job.CreatedTS = now
	}
	job.UpdatedTS = job.CreatedTS
	clone := *job
	m.jobs[job.JobID] = &clone
	return nil
}

func (m *memoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	clone := *job
	return &clone, nil
}

func (m *memoryStore) UpdateJobState(ctx context.Context, jobID string, to JobState, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if job.State.Terminal() {
		return errors.Wrapf(errors.ErrTerminalState, "job %s is %s", jobID, job.State)
	}
	job.State = to
	if exitCode != nil {
		code := *exitCode
		job.ExitCode = &code
	}
	job.UpdatedTS = time.Now().UTC()
	return nil
}

func (m *memoryStore) AppendEvent(ctx context.Context, jobID string, typ EventType, payload map[string]any) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	event := &Event{
		JobID:   jobID,
		Seq:     int64(len(m.events[jobID]) + 1),
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: payload,
	}
	m.events[jobID] = append(m.events[jobID], event)
	return event, nil
}

func (m *memoryStore) EventsSince(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	var out []*Event
	for _, event := range m.events[jobID] {
		if event.Seq <= sinceSeq {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) LookupIdempotency(ctx context.Context, clientID, key string) (string, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.idempotency[[2]string{clientID, key}]
	if !ok {
		return "", "", false, nil
	}
	return entry.requestHash, entry.jobID, true, nil
}

func (m *memoryStore) PutIdempotency(ctx context.Context, clientID, key, requestHash, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapKey := [2]string{clientID, key}
	if entry, ok := m.idempotency[mapKey]; ok {
		if entry.requestHash != requestHash {
			return errors.Wrapf(errors.ErrIdempotencyReused, "client %s key %s", clientID, key)
		}
		return nil
	}
	m.idempotency[mapKey] = idempotencyEntry{requestHash: requestHash, jobID: jobID}
	return nil
}

func (m *memoryStore) CollectGarbage(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	collected := 0
	for jobID, job := range m.jobs {
		if !job.State.Terminal() || !job.UpdatedTS.Before(cutoff) {
			continue
		}
		delete(m.jobs, jobID)
		delete(m.events, jobID)
		for mapKey, entry := range m.idempotency {
			if entry.jobID == jobID {
				delete(m.idempotency, mapKey)
			}
		}
		collected++
	}
	return collected, nil
}

func (m *memoryStore) Close() error { return nil }
