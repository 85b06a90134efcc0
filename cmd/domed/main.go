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
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"golang.org/x/time/rate"

	"dome/internal/daemon/executor"
	"dome/internal/daemon/registry"
	"dome/internal/daemon/service"
	"dome/internal/daemon/state"
	"dome/pkg/config"
	domelog "dome/pkg/log"
)

func newStore(cfg *config.Config) (state.Store, error) {
	if cfg.Daemon.StateBackend == "memory" {
		return state.NewMemoryStore(), nil
	}
	return state.NewSQLiteStore(cfg.DaemonStatePath())
}

func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.Daemon.SubmitQPS <= 0 {
		return nil
	}
	burst := cfg.Daemon.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Daemon.SubmitQPS), burst)
}

func gcInterval(cfg *config.Config) time.Duration {
	if cfg.Daemon.GCInterval == "" {
		return time.Minute
	}
	interval, err := time.ParseDuration(cfg.Daemon.GCInterval)
	if err != nil {
		return time.Minute
	}
	return interval
}

func main() {
	cfg, err := config.LoadDaemonConfig()
	if err != nil {
		log.Fatalf("load daemon config: %v", err)
	}
	logger, err := domelog.NewLogger(&domelog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	hlog.SetLogger(hertzslog.NewLogger(hertzslog.WithOutput(os.Stderr)))

	store, err := newStore(cfg)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	defer store.Close()

	reg := registry.New(cfg.Daemon.ManifestDir, cfg.Daemon.RegistryPath)
	svc := service.New(store, reg, executor.NewLocalProcess(logger.Logger), newLimiter(cfg), logger.Logger)

	endpoint := cfg.DaemonEndpoint()
	serverOpts := []hertzconfig.Option{}
	if sock, ok := strings.CutPrefix(endpoint, "unix:"); ok {
		if err := os.MkdirAll(filepath.Dir(sock), 0o755); err != nil {
			log.Fatalf("create socket dir: %v", err)
		}
		serverOpts = append(serverOpts, server.WithNetwork("unix"), server.WithHostPorts(sock))
	} else {
		serverOpts = append(serverOpts, server.WithHostPorts(endpoint))
	}

	if cfg.Monitoring.Tracing.Enable {
		p := provider.NewOpenTelemetryProvider(
			provider.WithServiceName(cfg.Monitoring.Tracing.ServiceName),
			provider.WithExportEndpoint(cfg.Monitoring.Tracing.ExportEndpoint),
			provider.WithInsecure(),
		)
		defer p.Shutdown(context.Background())
		tracer, tracerCfg := hertztracing.NewServerTracer()
		serverOpts = append(serverOpts, tracer)
		h := server.Default(serverOpts...)
		h.Use(hertztracing.ServerMiddleware(tracerCfg))
		run(h, svc, cfg, logger)
		return
	}

	run(server.Default(serverOpts...), svc, cfg, logger)
}

func run(h *server.Hertz, svc *service.Service, cfg *config.Config, logger *domelog.Logger) {
	service.RegisterRoutes(h.Engine, svc)

	if cfg.Daemon.GCTTLSeconds > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go svc.RunGC(ctx, time.Duration(cfg.Daemon.GCTTLSeconds)*time.Second, gcInterval(cfg))
	}

	logger.Info("domed listening", "endpoint", cfg.DaemonEndpoint(), "version", service.DaemonVersion)
	h.Spin()
}
