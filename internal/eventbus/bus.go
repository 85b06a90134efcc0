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

// Package eventbus 进程内 append-only 事件总线。
// 去重靠 event_id，定序靠进程内单调 sequence，落盘为逐行 JSONL。
package eventbus

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"dome/pkg/metrics"
	"dome/pkg/utils"
)

// SchemaVersion 事件信封 schema 版本
const SchemaVersion = "0.2.0"

// 控制平面 topic
const (
	TopicPlanWaveCreated   = "plan.wave.created"
	TopicTaskAssigned      = "task.assigned"
	TopicTaskResultRaw     = "task.result.raw"
	TopicTaskResult        = "task.result"
	TopicGateRequested     = "gate.requested"
	TopicGateVerdict       = "gate.verdict"
	TopicPromotionDecision = "promotion.decision"
)

// Envelope 事件信封。Payload 内容由各 topic 约定。
type Envelope struct {
	EventID       string         `json:"event_id"`
	Topic         string         `json:"topic"`
	RunID         string         `json:"run_id"`
	SchemaVersion string         `json:"schema_version"`
	Sequence      int64          `json:"sequence"`
	TS            string         `json:"ts"`
	Payload       map[string]any `json:"payload"`
}

// Bus 进程内事件总线。所有发布操作持同一把锁，sequence 严格无缝递增。
type Bus struct {
	mu      sync.Mutex
	seq     int64
	seen    map[string]bool
	topics  map[string]*Queue
	logPath string
	logFile *os.File
}

// NewBus 构造总线；logPath 非空时打开追加模式的持久事件日志
func NewBus(logPath string) (*Bus, error) {
	b := &Bus{
		seen:    map[string]bool{},
		topics:  map[string]*Queue{},
		logPath: logPath,
	}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir event log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log %s: %w", logPath, err)
		}
		b.logFile = f
	}
	return b, nil
}

// Close 关闭持久日志
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logFile == nil {
		return nil
	}
	err := b.logFile.Close()
	b.logFile = nil
	return err
}

// NewEventID 生成 evt- 前缀的随机事件 ID
func NewEventID() string {
	id := uuid.New()
	return "evt-" + hex.EncodeToString(id[:])
}

// Publish 发布事件。eventID 为空时自动生成；重复 event_id 静默去重，
// 返回已存在标记。信封先入内存队列再追加到 JSONL 日志。
func (b *Bus) Publish(topic string, runID string, payload map[string]any, eventID string) (*Envelope, bool, error) {
	if eventID == "" {
		eventID = NewEventID()
	}
	if payload == nil {
		payload = map[string]any{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seen[eventID] {
		return nil, false, nil
	}
	b.seen[eventID] = true
	b.seq++
	env := &Envelope{
		EventID:       eventID,
		Topic:         topic,
		RunID:         runID,
		SchemaVersion: SchemaVersion,
		Sequence:      b.seq,
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		Payload:       payload,
	}
	queue, ok := b.topics[topic]
	if !ok {
		queue = NewQueue()
		b.topics[topic] = queue
	}
	queue.push(env)

	if b.logFile != nil {
		line, err := utils.CanonicalJSON(env)
		if err != nil {
			return nil, false, fmt.Errorf("encode event %s: %w", eventID, err)
		}
		if _, err := b.logFile.Write(append(line, '\n')); err != nil {
			return nil, false, fmt.Errorf("append event log: %w", err)
		}
	}
	metrics.EventsPublished.WithLabelValues(topic).Inc()
	return env, true, nil
}

// Subscribe 获取 topic 的共享队列；队列保留历史，订阅先后不影响可见事件
func (b *Bus) Subscribe(topic string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue, ok := b.topics[topic]
	if !ok {
		queue = NewQueue()
		b.topics[topic] = queue
	}
	return queue
}

// Sequence 当前最大 sequence
func (b *Bus) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// LogPath 持久事件日志路径
func (b *Bus) LogPath() string {
	return b.logPath
}

// Sync 将持久日志刷盘
func (b *Bus) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logFile == nil {
		return nil
	}
	return b.logFile.Sync()
}
