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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Harness    HarnessConfig    `mapstructure:"harness"`
	Gate       GateConfig       `mapstructure:"gate"`
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	Memoryd    MemorydConfig    `mapstructure:"memoryd"`
	IssueTrack IssueTrackConfig `mapstructure:"issue_track"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// RuntimeConfig 运行时根目录与事件日志位置
type RuntimeConfig struct {
	Root     string `mapstructure:"root"`      // 运行时根目录，默认 ops/runtime
	RunRoot  string `mapstructure:"run_root"`  // 每次 run 的产物目录，默认 <root>/runs
	EventLog string `mapstructure:"event_log"` // 事件日志，默认 <root>/mcp_events.jsonl
}

// DispatcherConfig 波次调度配置
type DispatcherConfig struct {
	MaxWorkers   int      `mapstructure:"max_workers"`   // <=0 使用 work queue 自带值
	WorkerModels []string `mapstructure:"worker_models"` // 轮询分配的 worker 池；空则默认池
}

// HarnessConfig 重试与 backoff 配置
type HarnessConfig struct {
	MaxRetries    int `mapstructure:"max_retries"`     // 瞬时失败最大重试次数，<0 使用默认 1
	BaseBackoffMs int `mapstructure:"base_backoff_ms"` // <=0 使用默认 50
	MaxBackoffMs  int `mapstructure:"max_backoff_ms"`  // <=0 使用默认 2000
}

// GateConfig 门禁与晋升策略配置
type GateConfig struct {
	RiskThreshold int     `mapstructure:"risk_threshold"` // <=0 使用默认 60
	MinConfidence float64 `mapstructure:"min_confidence"` // <=0 使用默认 0.7
	MaxRisk       int     `mapstructure:"max_risk"`       // <=0 使用默认 60
}

// DaemonConfig 工具守护进程配置
type DaemonConfig struct {
	Endpoint     string  `mapstructure:"endpoint"`       // 空则按 DOMED_ENDPOINT / XDG 规则解析
	StatePath    string  `mapstructure:"state_path"`     // sqlite 状态文件；空则 $XDG_STATE_HOME/dome/domed.sqlite
	StateBackend string  `mapstructure:"state_backend"`  // memory | sqlite，空默认 sqlite
	RegistryPath string  `mapstructure:"registry_path"`  // registry.json 路径
	ManifestDir  string  `mapstructure:"manifest_dir"`   // 每工具 manifest 目录，优先于 registry.json
	SubmitQPS    float64 `mapstructure:"submit_qps"`     // SkillExecute 限流，<=0 不限
	SubmitBurst  int     `mapstructure:"submit_burst"`   // 限流突发量
	GCTTLSeconds int     `mapstructure:"gc_ttl_seconds"` // 终态 job TTL，<=0 不启动 GC
	GCInterval   string  `mapstructure:"gc_interval"`    // 如 "1m"
}

// MemorydConfig 记忆物化配置
type MemorydConfig struct {
	Backend        string `mapstructure:"backend"`         // sqlite | postgres
	DBPath         string `mapstructure:"db_path"`         // sqlite 文件，默认 ops/memory/memory.sqlite
	DSN            string `mapstructure:"dsn"`             // postgres 连接串，backend=postgres 时必填
	CheckpointPath string `mapstructure:"checkpoint_path"` // 默认 ops/memory/checkpoints/materialize.state.json
	PollSeconds    int    `mapstructure:"poll_seconds"`    // 轮询间隔秒，<=0 默认 10
	BinderMode     string `mapstructure:"binder_mode"`     // strict | hybrid | lenient
}

// IssueTrackConfig 外部 issue/milestone 服务配置
type IssueTrackConfig struct {
	BaseURL     string `mapstructure:"base_url"` // 默认 https://api.github.com
	Repo        string `mapstructure:"repo"`     // owner/repo
	TokenSecret string `mapstructure:"token_secret"`
	TimeoutSec  int    `mapstructure:"timeout_sec"`
}

// SecretsConfig secrets 后端配置
type SecretsConfig struct {
	Backend string `mapstructure:"backend"` // env | vault | memory
	Vault   VaultConfig
}

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	applyDefaults(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中的 ${VAR} 引用
func replaceEnvVars(config *Config) {
	expand := func(s string) string {
		if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
			if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
				return val
			}
		}
		return s
	}
	config.Secrets.Vault.Address = expand(config.Secrets.Vault.Address)
	config.Secrets.Vault.Token = expand(config.Secrets.Vault.Token)
	config.IssueTrack.TokenSecret = expand(config.IssueTrack.TokenSecret)
	config.Memoryd.DSN = expand(config.Memoryd.DSN)
}

// applyDefaults 为未配置项填充默认值
func applyDefaults(config *Config) {
	if config.Runtime.Root == "" {
		config.Runtime.Root = filepath.Join("ops", "runtime")
	}
	if config.Runtime.RunRoot == "" {
		config.Runtime.RunRoot = filepath.Join(config.Runtime.Root, "runs")
	}
	if config.Runtime.EventLog == "" {
		config.Runtime.EventLog = filepath.Join(config.Runtime.Root, "mcp_events.jsonl")
	}
	if config.Harness.MaxRetries < 0 {
		config.Harness.MaxRetries = 1
	}
	if config.Harness.BaseBackoffMs <= 0 {
		config.Harness.BaseBackoffMs = 50
	}
	if config.Harness.MaxBackoffMs <= 0 {
		config.Harness.MaxBackoffMs = 2000
	}
	if config.Gate.RiskThreshold <= 0 {
		config.Gate.RiskThreshold = 60
	}
	if config.Gate.MinConfidence <= 0 {
		config.Gate.MinConfidence = 0.7
	}
	if config.Gate.MaxRisk <= 0 {
		config.Gate.MaxRisk = 60
	}
	if config.Memoryd.PollSeconds <= 0 {
		config.Memoryd.PollSeconds = 10
	}
	if config.Memoryd.Backend == "" {
		config.Memoryd.Backend = "sqlite"
	}
	if config.Memoryd.BinderMode == "" {
		config.Memoryd.BinderMode = "strict"
	}
	if config.IssueTrack.BaseURL == "" {
		config.IssueTrack.BaseURL = "https://api.github.com"
	}
}

// DaemonEndpoint 解析守护进程监听地址。
// 优先级：显式配置 > DOMED_ENDPOINT > $XDG_RUNTIME_DIR/dome/domed.sock > 127.0.0.1:50051。
func (c *Config) DaemonEndpoint() string {
	if c.Daemon.Endpoint != "" {
		return c.Daemon.Endpoint
	}
	if ep := os.Getenv("DOMED_ENDPOINT"); ep != "" {
		return ep
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		sock := filepath.Join(runtimeDir, "dome", "domed.sock")
		if _, err := os.Stat(filepath.Dir(sock)); err == nil {
			return "unix:" + sock
		}
	}
	return "127.0.0.1:50051"
}

// DaemonStatePath 解析持久化状态文件路径
func (c *Config) DaemonStatePath() string {
	if c.Daemon.StatePath != "" {
		return c.Daemon.StatePath
	}
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("ops", "runtime", "domed.sqlite")
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "dome", "domed.sqlite")
}

// LoadOrchestratorConfig 加载编排器配置（configs/orchestrator.yaml）
func LoadOrchestratorConfig() (*Config, error) {
	return LoadConfig("configs/orchestrator.yaml")
}

// LoadDaemonConfig 加载守护进程配置（configs/domed.yaml）
func LoadDaemonConfig() (*Config, error) {
	return LoadConfig("configs/domed.yaml")
}

// LoadMemorydConfig 加载记忆物化配置（configs/memoryd.yaml）
func LoadMemorydConfig() (*Config, error) {
	return LoadConfig("configs/memoryd.yaml")
}
