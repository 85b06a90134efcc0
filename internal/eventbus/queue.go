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

package eventbus

import (
	"context"
	"sync"
)

// Queue 单 topic 的无界事件队列。
// 队列保留全部历史，订阅者用游标读取，晚订阅也能看到早先事件。
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*Envelope
}

// NewQueue 构造空队列
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) push(env *Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len 当前队列长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot 当前全部事件的拷贝切片
func (q *Queue) Snapshot() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Envelope, len(q.items))
	copy(out, q.items)
	return out
}

// Next 阻塞读取 cursor 位置的事件；返回事件与下一游标。
// ctx 取消时返回 ctx.Err()。
func (q *Queue) Next(ctx context.Context, cursor int) (*Envelope, int, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for cursor >= len(q.items) {
		if err := ctx.Err(); err != nil {
			return nil, cursor, err
		}
		q.cond.Wait()
	}
	return q.items[cursor], cursor + 1, nil
}
