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

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/internal/eventbus"
)

func TestRelayMapsKnownKinds(t *testing.T) {
	bus, err := eventbus.NewBus("")
	require.NoError(t, err)
	b := New(bus, nil)

	require.NoError(t, b.RelayAll([]Event{
		{Kind: "worker.task.assigned", RunID: "run-1", Payload: map[string]any{"task_id": "t-1"}},
		{Kind: "gate.verdict", RunID: "run-1", Payload: map[string]any{"status": "APPROVE"}},
		{Kind: "telemetry.heartbeat", RunID: "run-1"},
	}))

	stats := b.Stats()
	assert.Equal(t, 2, stats.Relayed)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 1, bus.Subscribe(eventbus.TopicTaskAssigned).Len())
	assert.Equal(t, 1, bus.Subscribe(eventbus.TopicGateVerdict).Len())
}

func TestRelayDeduplicatesByEventID(t *testing.T) {
	bus, err := eventbus.NewBus("")
	require.NoError(t, err)
	b := New(bus, nil)
	event := Event{Kind: "worker.task.result", RunID: "run-1", EventID: "evt-same", Payload: map[string]any{"task_id": "t-1"}}
	require.NoError(t, b.Relay(event))
	require.NoError(t, b.Relay(event))
	assert.Equal(t, 1, bus.Subscribe(eventbus.TopicTaskResult).Len())
}
