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
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dome/internal/memoryd"
	"dome/pkg/config"
	domelog "dome/pkg/log"
)

func main() {
	once := false
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--once":
			once = true
		case "--help", "-h":
			fmt.Println("Usage: memoryd [--once]")
			fmt.Println("  --once  - 只物化一轮后退出；默认按 poll_seconds 轮询")
			return
		}
	}

	cfg, err := config.LoadMemorydConfig()
	if err != nil {
		log.Fatalf("load memoryd config: %v", err)
	}
	logger, err := domelog.NewLogger(&domelog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := memoryd.NewFromConfig(ctx, cfg, logger.Logger)
	if err != nil {
		log.Fatalf("init materializer: %v", err)
	}
	defer m.Close()

	if once {
		processed, err := m.RunOnce(ctx)
		if err != nil {
			log.Fatalf("materialize pass: %v", err)
		}
		logger.Info("memoryd pass done", "processed", processed)
		return
	}

	logger.Info("memoryd polling", "run_root", m.RunRoot, "poll_seconds", cfg.Memoryd.PollSeconds)
	m.Loop(ctx, time.Duration(cfg.Memoryd.PollSeconds)*time.Second)
}
