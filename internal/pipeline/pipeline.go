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

// Package pipeline run 流水线编排：planner → dispatcher → gate → promote → state writer。
// 每个阶段的产物都落在 run 目录，事件走共享总线并持久化为 JSONL。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	"dome/internal/contract"
	"dome/internal/dispatch"
	"dome/internal/eventbus"
	"dome/internal/fsatomic"
	"dome/internal/gate"
	"dome/internal/harness"
	"dome/internal/planner"
	"dome/internal/promote"
	"dome/internal/statespace"
	"dome/pkg/config"
	"dome/pkg/evidence"
	"dome/pkg/tracing"
)

// Pipeline run 编排器
type Pipeline struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

// RunOptions 一次 run 的可变部分
type RunOptions struct {
	Worker harness.AttemptWorker
	// VerifyDir verify 命令的工作目录；空则继承进程目录
	VerifyDir string
	// TraceSource 写入 gate notes 与 manifest 的追踪来源标识
	TraceSource string
}

// RunReport 一次 run 的汇总产出
type RunReport struct {
	RunID          string
	RunDir         string
	Summary        *contract.RunSummary
	Gate           *gate.Decision
	Promotion      *promote.Decision
	Ledger         *eventbus.ControlLedger
	ManifestPath   string
	StateSpacePath string
	WorkQueuePath  string
	SummaryPath    string
	EventLogPath   string
}

// New 构造流水线
func New(cfg *config.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Cfg: cfg, Logger: logger}
}

// Execute 运行完整流水线并返回汇总
func (p *Pipeline) Execute(ctx context.Context, preContractPath string, opts RunOptions) (*RunReport, error) {
	pc, err := contract.LoadPreContract(preContractPath)
	if err != nil {
		return nil, err
	}
	runID := pc.PacketID
	runDir := filepath.Join(p.Cfg.Runtime.RunRoot, runID)
	if err := EnsureSubstrateLayout(runDir); err != nil {
		return nil, err
	}

	bus, err := eventbus.NewBus(p.Cfg.Runtime.EventLog)
	if err != nil {
		return nil, err
	}
	defer bus.Close()

	wq, err := planner.BuildWorkQueue(pc)
	if err != nil {
		return nil, err
	}
	if p.Cfg.Dispatcher.MaxWorkers > 0 {
		wq.MaxWorkers = p.Cfg.Dispatcher.MaxWorkers
	}
	workQueuePath := filepath.Join(runDir, "work.queue.json")
	if err := fsatomic.WriteJSON(workQueuePath, wq); err != nil {
		return nil, err
	}

	worker := opts.Worker
	if worker == nil {
		worker = &ScriptedWorker{}
	}
	h := harness.New(bus, worker, runDir, runID,
		p.Cfg.Harness.MaxRetries+1,
		int64(p.Cfg.Harness.BaseBackoffMs), int64(p.Cfg.Harness.MaxBackoffMs),
		p.Logger)

	sup := dispatch.NewSupervisor(bus, p.Cfg.Dispatcher.WorkerModels, p.Logger)
	summary, err := sup.Run(ctx, wq, h)
	if err != nil {
		return nil, err
	}
	summaryPath := filepath.Join(runDir, "summary.json")
	if err := fsatomic.WriteJSON(summaryPath, summary); err != nil {
		return nil, err
	}

	var verifyRC *int
	verifyOutput := ""
	if cmd := pc.VerifyCommand(); cmd != nil {
		rc, output := runVerify(ctx, cmd, opts.VerifyDir)
		verifyRC = &rc
		verifyOutput = output
		p.Logger.Info("verify command finished", "run_id", runID, "rc", rc)
	}

	traceHex, spanHex := p.telemetryRef(ctx, runID)
	gd, err := gate.Evaluate(gate.Input{
		RunID:         runID,
		Results:       summary.Results,
		VerifyRC:      verifyRC,
		VerifyOutput:  verifyOutput,
		RiskThreshold: p.Cfg.Gate.RiskThreshold,
		TraceSource:   opts.TraceSource,
		TelemetryRef:  gate.TelemetryRef{TraceIDHex: traceHex, SpanIDHex: spanHex},
	})
	if err != nil {
		return nil, err
	}
	if _, err := gate.Persist(runDir, gd); err != nil {
		return nil, err
	}
	if err := gate.Publish(bus, gd); err != nil {
		return nil, err
	}

	pd, err := promote.Apply(gd, promote.Policy{
		MinConfidence: p.Cfg.Gate.MinConfidence,
		MaxRisk:       p.Cfg.Gate.MaxRisk,
	})
	if err != nil {
		return nil, err
	}
	if _, err := promote.Persist(runDir, pd); err != nil {
		return nil, err
	}
	if err := promote.AppendAudit(p.Cfg.Runtime.RunRoot, pd); err != nil {
		return nil, err
	}
	if err := promote.Publish(bus, pd); err != nil {
		return nil, err
	}

	doc, err := statespace.BuildDocument(wq, summary, gd, pd)
	if err != nil {
		return nil, err
	}
	stateSpacePath := filepath.Join(runDir, "state.space.json")
	if err := statespace.Persist(stateSpacePath, doc); err != nil {
		return nil, err
	}

	if err := bus.Sync(); err != nil {
		return nil, err
	}
	envs, err := eventbus.LoadEventEnvelopes(p.Cfg.Runtime.EventLog)
	if err != nil {
		return nil, err
	}
	ledger := eventbus.MaterializeControlLedger(runID, envs)
	ledgerPath := filepath.Join(runDir, "control.ledger.json")
	if err := fsatomic.WriteJSON(ledgerPath, ledger); err != nil {
		return nil, err
	}

	artifacts := map[string]string{
		"work_queue":     workQueuePath,
		"summary":        summaryPath,
		"gate":           filepath.Join(runDir, "gate", "gate.decision.json"),
		"promotion":      filepath.Join(runDir, "promotion", "promotion.decision.json"),
		"state_space":    stateSpacePath,
		"control_ledger": ledgerPath,
		"event_log":      p.Cfg.Runtime.EventLog,
	}
	manifest := BuildManifest(pc, preContractPath, artifacts, opts.TraceSource,
		p.Cfg.Harness.MaxRetries, p.Cfg.Gate.RiskThreshold, p.Cfg.Dispatcher.WorkerModels)
	manifestPath, err := PersistManifest(runDir, manifest)
	if err != nil {
		return nil, err
	}

	p.Logger.Info("run finished",
		"run_id", runID,
		"gate", gd.Status,
		"promotion", pd.Decision,
		"dispatched", summary.DispatchedCount)

	return &RunReport{
		RunID:          runID,
		RunDir:         runDir,
		Summary:        summary,
		Gate:           gd,
		Promotion:      pd,
		Ledger:         ledger,
		ManifestPath:   manifestPath,
		StateSpacePath: stateSpacePath,
		WorkQueuePath:  workQueuePath,
		SummaryPath:    summaryPath,
		EventLogPath:   p.Cfg.Runtime.EventLog,
	}, nil
}

// telemetryRef 追踪开启时取真实 gate span 的 trace/span id，
// 否则回退到 run_id 的确定性哈希引用。
func (p *Pipeline) telemetryRef(ctx context.Context, runID string) (string, string) {
	if p.Cfg.Monitoring.Tracing.Enable {
		_, span := tracing.StartGateSpan(ctx, runID, p.Cfg.Gate.RiskThreshold)
		defer span.End()
		if traceHex, spanHex, ok := tracing.SpanHexRefs(span); ok {
			return traceHex, spanHex
		}
	}
	return evidence.DeterministicRef(runID)
}

// runVerify 执行外部 verify 命令；无法启动按 127 处理
func runVerify(ctx context.Context, argv []string, dir string) (int, string) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err == nil {
		return 0, string(output)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), string(output)
	}
	return 127, fmt.Sprintf("%s (exec error: %v)", output, err)
}
