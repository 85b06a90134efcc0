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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
runtime:
  root: "ops/runtime"
dispatcher:
  max_workers: 4
gate:
  risk_threshold: 70
log:
  level: "debug"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Dispatcher.MaxWorkers != 4 {
		t.Errorf("Dispatcher.MaxWorkers: got %d", cfg.Dispatcher.MaxWorkers)
	}
	if cfg.Gate.RiskThreshold != 70 {
		t.Errorf("Gate.RiskThreshold: got %d", cfg.Gate.RiskThreshold)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "min.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Runtime.EventLog != filepath.Join("ops", "runtime", "mcp_events.jsonl") {
		t.Errorf("Runtime.EventLog: got %q", cfg.Runtime.EventLog)
	}
	if cfg.Harness.BaseBackoffMs != 50 || cfg.Harness.MaxBackoffMs != 2000 {
		t.Errorf("harness backoff defaults: got %d/%d", cfg.Harness.BaseBackoffMs, cfg.Harness.MaxBackoffMs)
	}
	if cfg.Gate.RiskThreshold != 60 || cfg.Gate.MinConfidence != 0.7 {
		t.Errorf("gate defaults: got %d/%v", cfg.Gate.RiskThreshold, cfg.Gate.MinConfidence)
	}
	if cfg.Memoryd.PollSeconds != 10 || cfg.Memoryd.Backend != "sqlite" {
		t.Errorf("memoryd defaults: got %d/%q", cfg.Memoryd.PollSeconds, cfg.Memoryd.Backend)
	}
}

func TestDaemonEndpointPrecedence(t *testing.T) {
	cfg := &Config{}
	cfg.Daemon.Endpoint = "127.0.0.1:6000"
	if got := cfg.DaemonEndpoint(); got != "127.0.0.1:6000" {
		t.Errorf("explicit endpoint: got %q", got)
	}

	cfg.Daemon.Endpoint = ""
	t.Setenv("DOMED_ENDPOINT", "127.0.0.1:7000")
	if got := cfg.DaemonEndpoint(); got != "127.0.0.1:7000" {
		t.Errorf("env endpoint: got %q", got)
	}

	t.Setenv("DOMED_ENDPOINT", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := cfg.DaemonEndpoint(); got != "127.0.0.1:50051" {
		t.Errorf("fallback endpoint: got %q", got)
	}
}

func TestDaemonStatePath(t *testing.T) {
	cfg := &Config{}
	t.Setenv("XDG_STATE_HOME", "/tmp/state")
	want := filepath.Join("/tmp/state", "dome", "domed.sqlite")
	if got := cfg.DaemonStatePath(); got != want {
		t.Errorf("state path: got %q, want %q", got, want)
	}
}
