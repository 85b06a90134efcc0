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
	"time"
)

// Store job 状态存储契约。
// 终态 job 不可再迁移；事件 seq 每 job 无缝递增；幂等键冲突必须显式报错。
type Store interface {
	// CreateJob 新建 job 记录
	CreateJob(ctx context.Context, job *Job) error
	// GetJob 按 id 取 job；缺失返回 errors.ErrNotFound
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// UpdateJobState 迁移 job 状态；源状态为终态时返回 errors.ErrTerminalState
	UpdateJobState(ctx context.Context, jobID string, to JobState, exitCode *int) error
	// AppendEvent 追加事件并分配下一 seq
	AppendEvent(ctx context.Context, jobID string, typ EventType, payload map[string]any) (*Event, error)
	// EventsSince 取 seq > sinceSeq 的事件，按 seq 升序；limit<=0 不限
	EventsSince(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]*Event, error)
	// LookupIdempotency 查 (client_id, key) 账本
	LookupIdempotency(ctx context.Context, clientID, key string) (requestHash string, jobID string, found bool, err error)
	// PutIdempotency 记账；同键不同 request_hash 返回 errors.ErrIdempotencyReused
	PutIdempotency(ctx context.Context, clientID, key, requestHash, jobID string) error
	// CollectGarbage 删除 updated_ts 早于 cutoff 的终态 job 及其事件与幂等记录，返回删除数
	CollectGarbage(ctx context.Context, cutoff time.Time) (int, error)
	// Close 释放底层资源
	Close() error
}
