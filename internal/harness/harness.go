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

// Package harness 执行器外壳：重试、退避、产物落盘、证据包与 DLQ。
// 瞬时失败按指数退避重试；只有耗尽重试预算的瞬时失败进 DLQ，
// 确定性失败直接以 FAIL 终止，不写死信。
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/internal/fsatomic"
	"dome/internal/reason"
	"dome/pkg/evidence"
	"dome/pkg/metrics"
)

// AttemptOutcome 单次尝试的产出
type AttemptOutcome struct {
	Status        string
	ReasonCode    string
	Notes         string
	Label         string
	Transient     bool
	RiskScoreHint int
}

// AttemptWorker 执行一次任务尝试。attempt 从 1 计数。
type AttemptWorker interface {
	Attempt(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error)
}

// AttemptFunc 函数式 AttemptWorker
type AttemptFunc func(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error)

// Attempt 实现 AttemptWorker
func (f AttemptFunc) Attempt(ctx context.Context, task *contract.Task, attempt int) (*AttemptOutcome, error) {
	return f(ctx, task, attempt)
}

// Harness 任务执行外壳；实现 dispatch.TaskRunner
type Harness struct {
	Bus           *eventbus.Bus
	Worker        AttemptWorker
	RunDir        string
	RunID         string
	MaxRetries    int
	BaseBackoffMs int64
	MaxBackoffMs  int64
	Logger        *slog.Logger

	// Sleep 可注入，测试中置空退避等待
	Sleep func(time.Duration)
}

// New 构造 harness；maxRetries 为总尝试预算（至少 1）
func New(bus *eventbus.Bus, worker AttemptWorker, runDir, runID string, maxRetries int, baseBackoffMs, maxBackoffMs int64, logger *slog.Logger) *Harness {
	if maxRetries < 1 {
		maxRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		Bus:           bus,
		Worker:        worker,
		RunDir:        runDir,
		RunID:         runID,
		MaxRetries:    maxRetries,
		BaseBackoffMs: baseBackoffMs,
		MaxBackoffMs:  maxBackoffMs,
		Logger:        logger,
		Sleep:         time.Sleep,
	}
}

// Run 执行任务直至 PASS、确定性 FAIL 或重试预算耗尽，随后落盘全部产物。
func (h *Harness) Run(ctx context.Context, task *contract.Task) (*contract.TaskResult, error) {
	var history []contract.AttemptRecord
	var backoffs []int64
	var final *contract.TaskResult

	for attempt := 1; attempt <= h.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		outcome, err := h.Worker.Attempt(ctx, task, attempt)
		durationMs := time.Since(start).Milliseconds()
		if err != nil {
			outcome = &AttemptOutcome{
				Status:     contract.ResultFail,
				ReasonCode: reason.CodeExecNonzeroExit,
				Notes:      err.Error(),
			}
		}
		record := contract.AttemptRecord{
			TaskID:      task.TaskID,
			Attempt:     attempt,
			Status:      outcome.Status,
			ReasonCode:  outcome.ReasonCode,
			Notes:       outcome.Notes,
			DurationMs:  durationMs,
			Transient:   outcome.Transient,
			WorkerModel: task.WorkerModel,
		}

		result := &contract.TaskResult{
			TaskID:        task.TaskID,
			Status:        outcome.Status,
			ReasonCode:    outcome.ReasonCode,
			Notes:         outcome.Notes,
			Transient:     outcome.Transient,
			RiskScoreHint: outcome.RiskScoreHint,
			WorkerModel:   task.WorkerModel,
			DurationMs:    durationMs,
		}

		retriable := result.TransientFailure() && attempt < h.MaxRetries
		if retriable {
			backoff := BackoffMs(task.TaskID, attempt, h.BaseBackoffMs, h.MaxBackoffMs)
			record.BackoffMs = backoff
			backoffs = append(backoffs, backoff)
			metrics.TaskRetries.Inc()
			h.Logger.Info("transient failure, retrying",
				"task_id", task.TaskID, "attempt", attempt, "backoff_ms", backoff, "reason_code", outcome.ReasonCode)
		}
		history = append(history, record)
		h.publishRawAttempt(task, &record, outcome.Label)

		if !retriable {
			final = result
			break
		}
		if h.Sleep != nil {
			h.Sleep(time.Duration(record.BackoffMs) * time.Millisecond)
		}
	}

	final.Attempts = len(history)
	final.AttemptHistory = history
	if backoffs == nil {
		backoffs = []int64{}
	}
	final.RetryBackoffMs = backoffs
	var totalMs int64
	for _, rec := range history {
		totalMs += rec.DurationMs
	}
	final.DurationMs = totalMs
	metrics.TaskDuration.WithLabelValues(final.Status).Observe(float64(totalMs) / 1000.0)

	if err := h.persist(task, final); err != nil {
		return nil, err
	}
	h.publishResult(final)
	return final, nil
}

// 每次尝试的 task.result.raw 由 harness 发布，调度器不再重复发；
// 只有 harness 看得到逐次尝试的细节。
func (h *Harness) publishRawAttempt(task *contract.Task, record *contract.AttemptRecord, label string) {
	payload := map[string]any{
		"task_id":     task.TaskID,
		"status":      record.Status,
		"attempt":     record.Attempt,
		"reason_code": record.ReasonCode,
		"notes":       record.Notes,
	}
	if label != "" {
		payload["label"] = label
	}
	if record.BackoffMs > 0 {
		payload["backoff_ms"] = record.BackoffMs
	}
	if _, _, err := h.Bus.Publish(eventbus.TopicTaskResultRaw, h.RunID, payload, ""); err != nil {
		h.Logger.Error("publish raw attempt failed", "task_id", task.TaskID, "err", err)
	}
}

func (h *Harness) publishResult(result *contract.TaskResult) {
	if _, _, err := h.Bus.Publish(eventbus.TopicTaskResult, h.RunID, map[string]any{
		"task_id":              result.TaskID,
		"status":               result.Status,
		"attempts":             result.Attempts,
		"reason_code":          result.ReasonCode,
		"worker_model":         result.WorkerModel,
		"duration_ms":          result.DurationMs,
		"evidence_bundle_path": result.EvidenceBundlePath,
	}, ""); err != nil {
		h.Logger.Error("publish task result failed", "task_id", result.TaskID, "err", err)
	}
}

// persist 落盘结果、尝试历史、证据包；瞬时重试耗尽的 FAIL 另写 DLQ 条目
func (h *Harness) persist(task *contract.Task, result *contract.TaskResult) error {
	resultPath := filepath.Join(h.RunDir, "task_results", task.TaskID+".result.json")
	attemptsPath := filepath.Join(h.RunDir, "attempts", task.TaskID+".attempts.json")
	bundlePath := filepath.Join(h.RunDir, "evidence", task.TaskID+".evidence.bundle.telemetry.json")

	result.TaskResultPath = resultPath
	result.AttemptHistoryPath = attemptsPath
	result.EvidenceBundlePath = bundlePath

	if err := fsatomic.WriteJSON(resultPath, result); err != nil {
		return err
	}
	if err := fsatomic.WriteJSON(attemptsPath, result.AttemptHistory); err != nil {
		return err
	}
	if err := h.writeEvidence(result, bundlePath, resultPath, attemptsPath); err != nil {
		return err
	}

	if result.TransientFailure() {
		dlqPath := filepath.Join(h.RunDir, "dlq", task.TaskID+".dlq.json")
		result.DLQPath = dlqPath
		entry := map[string]any{
			"run_id":           h.RunID,
			"task_id":          task.TaskID,
			"status":           result.Status,
			"reason_code":      result.ReasonCode,
			"attempts":         result.Attempts,
			"retry_backoff_ms": result.RetryBackoffMs,
		}
		if err := fsatomic.WriteJSON(dlqPath, entry); err != nil {
			return err
		}
		// DLQ 路径写回结果文件
		if err := fsatomic.WriteJSON(resultPath, result); err != nil {
			return err
		}
	}
	return nil
}

// writeEvidence 构建并落盘遥测证据包。trace 引用从 run_id 确定性派生。
func (h *Harness) writeEvidence(result *contract.TaskResult, bundlePath, resultPath, attemptsPath string) error {
	var totalBackoff int64
	for _, b := range result.RetryBackoffMs {
		totalBackoff += b
	}
	traceHex, spanHex := evidence.DeterministicRef(h.RunID + ":" + result.TaskID)
	ref := evidence.OTelRef{
		Backend:    "deterministic",
		TraceIDHex: traceHex,
		SpanIDHex:  spanHex,
		Project:    "dome",
		RunID:      h.RunID,
	}
	signals := map[string]any{
		"run.id":                h.RunID,
		"task.id":               result.TaskID,
		"task.status":           result.Status,
		"task.attempts":         result.Attempts,
		"task.retry_backoff_ms": totalBackoff,
		"task.notes":            result.Notes,
		"task.reason_code":      result.ReasonCode,
		"task.worker_model":     result.WorkerModel,
		"task.duration_ms":      result.DurationMs,
	}
	artifacts := make([]evidence.Artifact, 0, 2)
	for _, path := range []string{resultPath, attemptsPath} {
		artifact, err := evidence.ArtifactFor(path)
		if err != nil {
			return fmt.Errorf("hash artifact %s: %w", path, err)
		}
		artifacts = append(artifacts, artifact)
	}
	bundle := evidence.Build(ref, signals, artifacts)
	return fsatomic.WriteJSON(bundlePath, bundle)
}
