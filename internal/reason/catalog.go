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

// Package reason 版本化 reason code 目录。门禁与晋升只允许发出目录内的 code。
package reason

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// 常用 canonical code
const (
	CodeExecNonzeroExit  = "EXEC.NONZERO_EXIT"
	CodeVerifyTestFail   = "VERIFY.TEST_FAILURE"
	CodePolicyNeedsHuman = "POLICY.NEEDS_HUMAN"
	CodeTransientNetwork = "TRANSIENT.NETWORK"
	CodeTransientTimeout = "TRANSIENT.TIMEOUT"
	CodeTransientFirst   = "TRANSIENT.FIRST_ATTEMPT"
)

// Code 目录条目
type Code struct {
	Code        string `json:"code"`
	Class       string `json:"class,omitempty"`
	Description string `json:"description,omitempty"`
}

// Catalog reason code 目录
type Catalog struct {
	Version string
	codes   map[string]Code
}

// Default 内建目录，与 ssot 策略文件同步维护
func Default() *Catalog {
	c := &Catalog{Version: "0.2.0", codes: map[string]Code{}}
	for _, item := range []Code{
		{Code: CodeExecNonzeroExit, Class: "deterministic", Description: "worker or task exited non-zero"},
		{Code: CodeVerifyTestFail, Class: "deterministic", Description: "external verify command failed"},
		{Code: CodePolicyNeedsHuman, Class: "policy", Description: "risk/confidence policy escalation"},
		{Code: CodeTransientNetwork, Class: "transient", Description: "retriable network failure"},
		{Code: CodeTransientTimeout, Class: "transient", Description: "retriable timeout"},
		{Code: CodeTransientFirst, Class: "transient", Description: "retriable first-attempt failure"},
	} {
		c.codes[item.Code] = item
	}
	return c
}

// Load 从 JSON 目录文件加载：{"version": ..., "codes": [{"code": ...}, ...]}
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reason code catalog: %w", err)
	}
	var payload struct {
		Version string `json:"version"`
		Codes   []Code `json:"codes"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse reason code catalog %s: %w", path, err)
	}
	c := &Catalog{Version: payload.Version, codes: map[string]Code{}}
	for _, item := range payload.Codes {
		if item.Code == "" {
			continue
		}
		c.codes[item.Code] = item
	}
	if len(c.codes) == 0 {
		return nil, fmt.Errorf("reason code catalog is empty: %s", path)
	}
	return c, nil
}

// Has 判断 code 是否在目录内
func (c *Catalog) Has(code string) bool {
	_, ok := c.codes[code]
	return ok
}

// Validate 逐个校验；任一 code 不在目录内即失败
func (c *Catalog) Validate(codes []string) error {
	for _, code := range codes {
		if !c.Has(code) {
			return fmt.Errorf("reason code not in catalog: %s", code)
		}
	}
	return nil
}

// Codes 返回目录内全部 code（排序交由调用方）
func (c *Catalog) Codes() []Code {
	out := make([]Code, 0, len(c.codes))
	for _, item := range c.codes {
		out = append(out, item)
	}
	return out
}

// IsTransient TRANSIENT.* 前缀即为可重试类失败
func IsTransient(code string) bool {
	return strings.HasPrefix(code, "TRANSIENT.")
}
