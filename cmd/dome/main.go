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

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"

	"dome/internal/bridge"
	"dome/internal/eventbus"
	"dome/internal/fsatomic"
	"dome/internal/issuetrack"
	"dome/internal/pipeline"
	"dome/internal/security"
	"dome/internal/statespace"
	"dome/pkg/config"
	"dome/pkg/log"
	"dome/pkg/secrets"
	"dome/pkg/tracing"
)

// 退出码约定：0 通过晋升，2 被门禁或策略拦下，1 运行错误
const (
	exitOK     = 0
	exitErr    = 1
	exitDenied = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitErr)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("dome 0.2.0")
	case "run-demo":
		os.Exit(runDemo(args))
	case "run-live-fix":
		os.Exit(runLiveFix())
	case "run-piv":
		os.Exit(runPIV(args))
	case "replay":
		os.Exit(runReplay(args))
	case "ledger":
		os.Exit(runLedger(args))
	case "bridge":
		os.Exit(runBridge(args))
	case "list-tools":
		os.Exit(runListTools())
	default:
		printUsage()
		os.Exit(exitErr)
	}
}

func printUsage() {
	fmt.Println("Usage: dome <command> [args]")
	fmt.Println("  version                         - 显示版本")
	fmt.Println("  run-demo [pre_contract.json]    - 演示 run：脚本化 worker 走完整流水线")
	fmt.Println("  run-live-fix                    - 红转绿现场修复演示")
	fmt.Println("  run-piv <pre_contract.json> [implement_cmd] [workdir] - 实跑 plan/implement/verify")
	fmt.Println("  replay <run_id> [event_log]     - 从事件日志重放任务状态")
	fmt.Println("  ledger <run_id> [event_log]     - 从事件日志物化控制账本")
	fmt.Println("  bridge <envelopes.jsonl>        - 把外部 A2A 事件中继进事件总线")
	fmt.Println("  list-tools                      - 列出 daemon 注册的工具")
}

func setup() (*config.Config, *log.Logger, error) {
	cfg, err := config.LoadOrchestratorConfig()
	if err != nil {
		return nil, nil, err
	}
	// 运行产物只允许落在 repo 内的 ops/runtime 下
	if err := security.AssertRuntimePath(cfg.Runtime.RunRoot, ".", "run_root"); err != nil {
		return nil, nil, err
	}
	if err := security.AssertRuntimePath(cfg.Runtime.EventLog, ".", "event_log"); err != nil {
		return nil, nil, err
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// initTracing 追踪开启时初始化 OTLP exporter，返回关闭函数
func initTracing(cfg *config.Config) func() {
	if !cfg.Monitoring.Tracing.Enable {
		return func() {}
	}
	tp, err := tracing.InitTracer(tracing.OTelConfig{
		ServiceName:    cfg.Monitoring.Tracing.ServiceName,
		ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
		Insecure:       cfg.Monitoring.Tracing.Insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dome: init tracer: %v\n", err)
		return func() {}
	}
	return func() { _ = tp.Shutdown(context.Background()) }
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "dome: %v\n", err)
	return exitErr
}

func emit(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dome: encode output: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

// exitFor 晋升通过为 0，被拒或需人工为 2
func exitFor(report *pipeline.RunReport) int {
	if report.Promotion != nil && report.Promotion.Decision == "APPROVE" {
		return exitOK
	}
	return exitDenied
}

func runDemo(args []string) int {
	cfg, logger, err := setup()
	if err != nil {
		return fail(err)
	}
	defer initTracing(cfg)()
	p := pipeline.New(cfg, logger.Logger)

	preContractPath := ""
	if len(args) > 0 {
		preContractPath = args[0]
	} else {
		preContractPath = filepath.Join(cfg.Runtime.RunRoot, "pre.contract.demo.json")
		demo := map[string]any{
			"packet_id": "pkt-dome-demo-0001",
			"base_ref":  "main",
			"budgets":   map[string]any{"iteration_budget": 2},
			"actions":   map[string]any{"test": []string{"true"}},
			"plan_card": map[string]any{
				"why":  "exercise the full run pipeline",
				"what": "plan, implement and verify a demo packet",
			},
		}
		if err := fsatomic.WriteJSON(preContractPath, demo); err != nil {
			return fail(err)
		}
	}

	report, err := p.Execute(context.Background(), preContractPath, pipeline.RunOptions{TraceSource: "run-demo"})
	if err != nil {
		return fail(err)
	}
	emit(report)
	return exitFor(report)
}

func runLiveFix() int {
	cfg, logger, err := setup()
	if err != nil {
		return fail(err)
	}
	defer initTracing(cfg)()
	report, err := pipeline.New(cfg, logger.Logger).RunLiveFix(context.Background())
	if err != nil {
		return fail(err)
	}
	emit(report)
	return exitFor(report)
}

func runPIV(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dome run-piv <pre_contract.json> [implement_cmd] [workdir]")
		return exitErr
	}
	cfg, logger, err := setup()
	if err != nil {
		return fail(err)
	}

	defer initTracing(cfg)()
	opts := pipeline.PIVOptions{}
	if len(args) > 1 {
		opts.ImplementCommand = args[1]
	}
	if len(args) > 2 {
		opts.WorkDir = args[2]
	}
	if cfg.IssueTrack.Repo != "" {
		store, err := secrets.NewStore(secrets.Config{
			Backend: cfg.Secrets.Backend,
			Vault: secrets.VaultConfig{
				Address:    cfg.Secrets.Vault.Address,
				Token:      cfg.Secrets.Vault.Token,
				PathPrefix: cfg.Secrets.Vault.Mount,
			},
		})
		if err != nil {
			return fail(err)
		}
		tracker, err := issuetrack.New(cfg.IssueTrack, store)
		if err != nil {
			return fail(err)
		}
		opts.Tracker = tracker
	}

	report, err := pipeline.New(cfg, logger.Logger).RunPlanImplementVerify(context.Background(), args[0], opts)
	if err != nil {
		return fail(err)
	}
	emit(report)
	return exitFor(report)
}

func eventLogPath(cfg *config.Config, args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return cfg.Runtime.EventLog
}

func runReplay(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dome replay <run_id> [event_log]")
		return exitErr
	}
	cfg, _, err := setup()
	if err != nil {
		return fail(err)
	}
	envs, err := eventbus.LoadEventEnvelopes(eventLogPath(cfg, args))
	if err != nil {
		return fail(err)
	}
	states, err := statespace.Replay(args[0], envs)
	if err != nil {
		return fail(err)
	}
	emit(map[string]any{"run_id": args[0], "task_states": states})
	return exitOK
}

func runLedger(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dome ledger <run_id> [event_log]")
		return exitErr
	}
	cfg, _, err := setup()
	if err != nil {
		return fail(err)
	}
	envs, err := eventbus.LoadEventEnvelopes(eventLogPath(cfg, args))
	if err != nil {
		return fail(err)
	}
	emit(eventbus.MaterializeControlLedger(args[0], envs))
	return exitOK
}

// runBridge 逐行读取 A2A envelope JSONL，中继到共享事件总线
func runBridge(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dome bridge <envelopes.jsonl>")
		return exitErr
	}
	cfg, logger, err := setup()
	if err != nil {
		return fail(err)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	bus, err := eventbus.NewBus(cfg.Runtime.EventLog)
	if err != nil {
		return fail(err)
	}
	defer bus.Close()

	b := bridge.New(bus, logger.Logger)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event bridge.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return fail(fmt.Errorf("decode envelope: %w", err))
		}
		if err := b.Relay(event); err != nil {
			return fail(err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fail(err)
	}
	if err := bus.Sync(); err != nil {
		return fail(err)
	}
	emit(b.Stats())
	return exitOK
}

// daemonClient unix: 前缀的 endpoint 走 unix socket，其余按 host:port 处理
func daemonClient(endpoint string) *resty.Client {
	client := resty.New()
	if sock, ok := strings.CutPrefix(endpoint, "unix:"); ok {
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		}
		client.SetTransport(transport)
		client.SetBaseURL("http://domed")
		return client
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	client.SetBaseURL(endpoint)
	return client
}

func runListTools() int {
	cfg, _, err := setup()
	if err != nil {
		return fail(err)
	}
	client := daemonClient(cfg.DaemonEndpoint())
	var out map[string]any
	resp, err := client.R().SetResult(&out).Get("/v1/tools")
	if err != nil {
		return fail(err)
	}
	if resp.IsError() {
		return fail(fmt.Errorf("daemon returned %s: %s", resp.Status(), resp.String()))
	}
	emit(out)
	return exitOK
}
