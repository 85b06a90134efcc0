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

package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/internal/daemon/state"
)

type capturedEvent struct {
	typ     state.EventType
	payload map[string]any
}

func collectSink() (Sink, *[]capturedEvent) {
	var events []capturedEvent
	return func(typ state.EventType, payload map[string]any) {
		events = append(events, capturedEvent{typ: typ, payload: payload})
	}, &events
}

func TestExecuteEmptyEntrypoint(t *testing.T) {
	sink, events := collectSink()
	result := NewLocalProcess(nil).Execute(context.Background(), Spec{JobID: "job-1"}, sink)

	assert.Equal(t, state.JobStateFailed, result.State)
	assert.Equal(t, ExitCannotStart, result.ExitCode)
	require.Len(t, *events, 1)
	assert.Equal(t, state.EventTypeError, (*events)[0].typ)
}

func TestExecuteStreamsStdoutAndProgress(t *testing.T) {
	sink, events := collectSink()
	spec := Spec{
		RunID:      "run-1",
		JobID:      "job-2",
		ToolID:     "job.log",
		Entrypoint: []string{"sh", "-c", `echo hello; echo "PROGRESS:0.5"; echo world; echo oops >&2`},
	}
	result := NewLocalProcess(nil).Execute(context.Background(), spec, sink)

	assert.Equal(t, state.JobStateSucceeded, result.State)
	assert.Equal(t, 0, result.ExitCode)

	var stdoutLines []string
	var stderrLines []string
	var progress []float64
	for _, event := range *events {
		if event.typ != state.EventTypeLog {
			continue
		}
		if value, ok := event.payload["progress"].(float64); ok {
			progress = append(progress, value)
			continue
		}
		if event.payload["stream"] == "stdout" {
			stdoutLines = append(stdoutLines, event.payload["line"].(string))
		} else {
			stderrLines = append(stderrLines, event.payload["line"].(string))
		}
	}
	assert.Equal(t, []string{"hello", "PROGRESS:0.5", "world"}, stdoutLines)
	assert.Equal(t, []string{"oops"}, stderrLines)
	assert.Equal(t, []float64{0.5}, progress)
}

func TestExecuteNonzeroExit(t *testing.T) {
	sink, _ := collectSink()
	spec := Spec{JobID: "job-3", Entrypoint: []string{"sh", "-c", "exit 7"}}
	result := NewLocalProcess(nil).Execute(context.Background(), spec, sink)

	assert.Equal(t, state.JobStateFailed, result.State)
	assert.Equal(t, 7, result.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	sink, events := collectSink()
	spec := Spec{
		JobID:      "job-4",
		Entrypoint: []string{"sh", "-c", "sleep 5"},
		TimeoutSec: 1,
	}
	result := NewLocalProcess(nil).Execute(context.Background(), spec, sink)

	assert.Equal(t, state.JobStateFailed, result.State)
	assert.Equal(t, ExitTimeout, result.ExitCode)
	require.NotEmpty(t, *events)
	last := (*events)[len(*events)-1]
	assert.Equal(t, state.EventTypeError, last.typ)
	assert.Equal(t, "executor timeout", last.payload["reason"])
}

func TestExecutePassesDomedEnv(t *testing.T) {
	sink, events := collectSink()
	spec := Spec{
		RunID:      "run-env",
		JobID:      "job-5",
		ToolID:     "job.env",
		Profile:    "default",
		TaskJSON:   map[string]any{"b": 2, "a": 1},
		Entrypoint: []string{"sh", "-c", `echo "$DOMED_RUN_ID $DOMED_TOOL_ID"; echo "$DOMED_TASK_JSON"`},
	}
	result := NewLocalProcess(nil).Execute(context.Background(), spec, sink)

	require.Equal(t, state.JobStateSucceeded, result.State)
	var lines []string
	for _, event := range *events {
		if event.typ == state.EventTypeLog && event.payload["stream"] == "stdout" {
			lines = append(lines, event.payload["line"].(string))
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "run-env job.env", lines[0])
	// 规范化 JSON 键序稳定
	assert.Equal(t, `{"a":1,"b":2}`, lines[1])
}

func TestExecuteCannotStart(t *testing.T) {
	sink, events := collectSink()
	spec := Spec{JobID: "job-6", Entrypoint: []string{"/nonexistent/tool-binary"}}
	result := NewLocalProcess(nil).Execute(context.Background(), spec, sink)

	assert.Equal(t, state.JobStateFailed, result.State)
	assert.Equal(t, ExitCannotStart, result.ExitCode)
	require.NotEmpty(t, *events)
	assert.Equal(t, state.EventTypeError, (*events)[0].typ)
}
