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

// Package executor local-process 工具执行后端。
// 子进程环境只继承白名单变量，任务输入经 DOMED_* 变量传入。
package executor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"dome/internal/daemon/state"
	"dome/pkg/utils"
)

// 特殊退出码：无法启动 127，超时 124
const (
	ExitCannotStart = 127
	ExitTimeout     = 124
)

// Spec 一次工具执行的全部输入
type Spec struct {
	RunID           string
	JobID           string
	ToolID          string
	Profile         string
	Entrypoint      []string
	WorkDir         string
	TaskJSON        map[string]any
	ConstraintsJSON map[string]any
	TimeoutSec      int
}

// Sink 执行期事件回调
type Sink func(typ state.EventType, payload map[string]any)

// Result 执行终局
type Result struct {
	State    state.JobState
	ExitCode int
}

// defaultEnvAllowlist 默认透传的宿主变量
var defaultEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TZ"}

// LocalProcess 以本机子进程执行工具
type LocalProcess struct {
	EnvAllowlist []string
	Logger       *slog.Logger
}

// NewLocalProcess 构造执行器
func NewLocalProcess(logger *slog.Logger) *LocalProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProcess{EnvAllowlist: defaultEnvAllowlist, Logger: logger}
}

// Execute 运行 entrypoint 直至退出或超时。
// stdout 每行转 log 事件，PROGRESS:<float> 行转 progress 事件，stderr 每行转 log 事件。
func (e *LocalProcess) Execute(ctx context.Context, spec Spec, sink Sink) Result {
	if len(spec.Entrypoint) == 0 {
		sink(state.EventTypeError, map[string]any{"reason": "tool has no entrypoint"})
		return Result{State: state.JobStateFailed, ExitCode: ExitCannotStart}
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if spec.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSec)*time.Second)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Entrypoint[0], spec.Entrypoint[1:]...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = e.buildEnv(spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sink(state.EventTypeError, map[string]any{"reason": err.Error()})
		return Result{State: state.JobStateFailed, ExitCode: ExitCannotStart}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sink(state.EventTypeError, map[string]any{"reason": err.Error()})
		return Result{State: state.JobStateFailed, ExitCode: ExitCannotStart}
	}
	if err := cmd.Start(); err != nil {
		sink(state.EventTypeError, map[string]any{"reason": err.Error()})
		return Result{State: state.JobStateFailed, ExitCode: ExitCannotStart}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.drainStdout(stdout, sink)
	}()
	go func() {
		defer wg.Done()
		e.drainStderr(stderr, sink)
	}()
	wg.Wait()
	err = cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		sink(state.EventTypeError, map[string]any{"reason": "executor timeout"})
		return Result{State: state.JobStateFailed, ExitCode: ExitTimeout}
	}
	if err == nil {
		return Result{State: state.JobStateSucceeded, ExitCode: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return Result{State: state.JobStateFailed, ExitCode: exitErr.ExitCode()}
	}
	sink(state.EventTypeError, map[string]any{"reason": err.Error()})
	return Result{State: state.JobStateFailed, ExitCode: ExitCannotStart}
}

func (e *LocalProcess) drainStdout(r io.Reader, sink Sink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sink(state.EventTypeLog, map[string]any{"stream": "stdout", "line": line})
		// PROGRESS: 行解析出数值后补一条 log 事件；线协议枚举不含 progress 类型
		if rest, ok := strings.CutPrefix(line, "PROGRESS:"); ok {
			if value, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil {
				sink(state.EventTypeLog, map[string]any{"progress": value})
			}
		}
	}
}

func (e *LocalProcess) drainStderr(r io.Reader, sink Sink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(state.EventTypeLog, map[string]any{"stream": "stderr", "line": scanner.Text()})
	}
}

// buildEnv 白名单宿主变量 + DOMED_* 任务变量；JSON 载荷规范化保证指纹稳定
func (e *LocalProcess) buildEnv(spec Spec) []string {
	allowlist := e.EnvAllowlist
	if allowlist == nil {
		allowlist = defaultEnvAllowlist
	}
	env := make([]string, 0, len(allowlist)+6)
	for _, key := range allowlist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	taskJSON, _ := utils.CanonicalJSON(orEmpty(spec.TaskJSON))
	constraintsJSON, _ := utils.CanonicalJSON(orEmpty(spec.ConstraintsJSON))
	env = append(env,
		"DOMED_RUN_ID="+spec.RunID,
		"DOMED_JOB_ID="+spec.JobID,
		"DOMED_TOOL_ID="+spec.ToolID,
		"DOMED_PROFILE="+spec.Profile,
		"DOMED_TASK_JSON="+string(taskJSON),
		"DOMED_CONSTRAINTS_JSON="+string(constraintsJSON),
	)
	sort.Strings(env)
	return env
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
