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

// Package state 守护进程 job 状态存储：job 记录、事件序列、幂等账本。
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState job 生命周期状态，取值编号固定
type JobState int32

const (
	JobStateUnspecified JobState = 0
	JobStateQueued      JobState = 1
	JobStateRunning     JobState = 2
	JobStateSucceeded   JobState = 3
	JobStateFailed      JobState = 4
	JobStateCanceled    JobState = 5
)

var jobStateNames = map[JobState]string{
	JobStateUnspecified: "unspecified",
	JobStateQueued:      "queued",
	JobStateRunning:     "running",
	JobStateSucceeded:   "succeeded",
	JobStateFailed:      "failed",
	JobStateCanceled:    "canceled",
}

// String 线上格式使用小写名称
func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "unspecified"
}

// Terminal succeeded/failed/canceled 为终态
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCanceled
}

// MarshalJSON 序列化为名称字符串
func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 解析名称字符串
func (s *JobState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseJobState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseJobState 名称到枚举
func ParseJobState(name string) (JobState, error) {
	for value, n := range jobStateNames {
		if n == name {
			return value, nil
		}
	}
	return JobStateUnspecified, fmt.Errorf("unknown job state: %q", name)
}

// EventType job 事件类型，取值编号固定
type EventType int32

const (
	EventTypeUnspecified EventType = 0
	EventTypeStateChange EventType = 1
	EventTypeLog         EventType = 2
	EventTypeGuard       EventType = 3
	EventTypeError       EventType = 4
)

var eventTypeNames = map[EventType]string{
	EventTypeUnspecified: "unspecified",
	EventTypeStateChange: "state_change",
	EventTypeLog:         "log",
	EventTypeGuard:       "guard",
	EventTypeError:       "error",
}

// String 线上格式使用小写名称
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unspecified"
}

// MarshalJSON 序列化为名称字符串
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON 解析名称字符串
func (t *EventType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for value, n := range eventTypeNames {
		if n == name {
			*t = value
			return nil
		}
	}
	return fmt.Errorf("unknown event type: %q", name)
}

// Job 守护进程中的一次工具执行
type Job struct {
	JobID       string    `json:"job_id"`
	RunID       string    `json:"run_id"`
	ToolID      string    `json:"tool_id"`
	Profile     string    `json:"profile"`
	State       JobState  `json:"state"`
	RequestHash string    `json:"request_hash"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	CreatedTS   time.Time `json:"created_ts"`
	UpdatedTS   time.Time `json:"updated_ts"`
}

// Event job 事件；seq 每 job 从 1 起严格递增无缝
type Event struct {
	JobID   string         `json:"job_id"`
	Seq     int64          `json:"seq"`
	Type    EventType      `json:"type"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload"`
}
