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

// Package bridge 把外部 agent 事件翻译为控制平面 topic。
// 未知 kind 丢弃并计数，不中断中继。
package bridge

import (
	"log/slog"
	"sync"

	"dome/internal/eventbus"
)

// kindToTopic 外部事件 kind 到总线 topic 的映射
var kindToTopic = map[string]string{
	"planner.wave.created": eventbus.TopicPlanWaveCreated,
	"worker.task.assigned": eventbus.TopicTaskAssigned,
	"worker.task.result":   eventbus.TopicTaskResult,
	"gate.verdict":         eventbus.TopicGateVerdict,
	"promotion.decision":   eventbus.TopicPromotionDecision,
}

// Stats 中继计数
type Stats struct {
	Relayed int `json:"relayed"`
	Dropped int `json:"dropped"`
}

// Event 外部 agent 事件
type Event struct {
	Kind    string         `json:"kind"`
	RunID   string         `json:"run_id"`
	EventID string         `json:"event_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Bridge 外部事件中继器
type Bridge struct {
	bus    *eventbus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New 构造中继器
func New(bus *eventbus.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: bus, logger: logger}
}

// TopicFor kind 对应的 topic；未知 kind 返回 false
func TopicFor(kind string) (string, bool) {
	topic, ok := kindToTopic[kind]
	return topic, ok
}

// Relay 中继单个事件；未知 kind 计入 dropped
func (b *Bridge) Relay(event Event) error {
	topic, ok := TopicFor(event.Kind)
	if !ok {
		b.mu.Lock()
		b.stats.Dropped++
		b.mu.Unlock()
		b.logger.Warn("dropping event with unknown kind", "kind", event.Kind, "run_id", event.RunID)
		return nil
	}
	if _, _, err := b.bus.Publish(topic, event.RunID, event.Payload, event.EventID); err != nil {
		return err
	}
	b.mu.Lock()
	b.stats.Relayed++
	b.mu.Unlock()
	return nil
}

// RelayAll 顺序中继一批事件
func (b *Bridge) RelayAll(events []Event) error {
	for _, event := range events {
		if err := b.Relay(event); err != nil {
			return err
		}
	}
	return nil
}

// Stats 当前计数快照
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
