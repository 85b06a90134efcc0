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

package memoryd

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"dome/internal/binder"
	"dome/pkg/config"
	"dome/pkg/errors"
)

// Materializer checkpoint 驱动的 run → fact 物化器
type Materializer struct {
	Store          FactStore
	RunRoot        string
	CheckpointPath string
	EventLogPath   string
	BinderMode     string
	Logger         *slog.Logger
}

// NewFromConfig 按配置选 fact 后端
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Materializer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var store FactStore
	var err error
	switch cfg.Memoryd.Backend {
	case "postgres":
		store, err = NewPostgresFactStore(ctx, cfg.Memoryd.DSN)
	case "", "sqlite":
		store, err = NewSQLiteFactStore(cfg.Memoryd.DBPath)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidArg, "unknown memoryd backend: %s", cfg.Memoryd.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &Materializer{
		Store:          store,
		RunRoot:        cfg.Runtime.RunRoot,
		CheckpointPath: cfg.Memoryd.CheckpointPath,
		EventLogPath:   cfg.Runtime.EventLog,
		BinderMode:     cfg.Memoryd.BinderMode,
		Logger:         logger,
	}, nil
}

// materializeRun 单个 run 的三类事实 + binder 派生行
func (m *Materializer) materializeRun(ctx context.Context, runID string) error {
	runDir := filepath.Join(m.RunRoot, runID)
	if err := m.Store.UpsertRunFact(ctx, SnapshotRun(runDir)); err != nil {
		return err
	}
	tasks := SnapshotTasks(runDir, m.EventLogPath)
	taskRows := make([]binder.TaskRow, 0, len(tasks))
	for _, task := range tasks {
		if err := m.Store.UpsertTaskFact(ctx, task); err != nil {
			return err
		}
		taskRows = append(taskRows, binder.TaskRow{
			RunID:             task.RunID,
			TaskID:            task.TaskID,
			Status:            task.Status,
			FailureReasonCode: task.FailureReasonCode,
			PolicyReasonCode:  task.PolicyReasonCode,
			Attempts:          task.Attempts,
			DurationMs:        task.DurationMs,
			WorkerModel:       task.WorkerModel,
		})
	}
	for _, event := range SnapshotEvents(runDir, m.EventLogPath) {
		if err := m.Store.UpsertEventFact(ctx, event); err != nil {
			return err
		}
	}
	for _, row := range binder.DeriveRows(m.BinderMode, taskRows) {
		if err := m.Store.UpsertBinderRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce 物化所有未处理的 run，返回处理个数。
// 每个 run 处理完立即推进 checkpoint，失败的 run 下轮重试。
func (m *Materializer) RunOnce(ctx context.Context) (int, error) {
	checkpoint, err := LoadCheckpoint(m.CheckpointPath)
	if err != nil {
		return 0, errors.Wrap(err, "load memoryd checkpoint")
	}
	discovered, err := DiscoverRuns(m.RunRoot)
	if err != nil {
		return 0, errors.Wrap(err, "discover runs")
	}
	processed := 0
	for _, runID := range checkpoint.Pending(discovered) {
		if err := m.materializeRun(ctx, runID); err != nil {
			m.Logger.Warn("materialize run failed", "run_id", runID, "error", err)
			continue
		}
		checkpoint.Mark(runID)
		if err := checkpoint.Save(m.CheckpointPath); err != nil {
			return processed, errors.Wrap(err, "save memoryd checkpoint")
		}
		processed++
		m.Logger.Info("materialized run", "run_id", runID)
	}
	return processed, nil
}

// Loop 周期执行 RunOnce 直到 ctx 取消
func (m *Materializer) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil {
			m.Logger.Error("memoryd pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close 释放 fact 后端
func (m *Materializer) Close() error {
	if m.Store == nil {
		return nil
	}
	return m.Store.Close()
}
