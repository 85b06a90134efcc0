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

// Package registry 工具注册表。
// 加载顺序：manifest 目录（每工具一份）优先，其次单文件 registry.json，最后内置 sentinel 工具。
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dome/pkg/errors"
	"dome/pkg/utils"
)

const defaultTimeoutSeconds = 120

// 内置 sentinel executor_backend
const BackendBuiltin = "builtin"

// BackendLocalProcess 本机子进程后端
const BackendLocalProcess = "local-process"

// Tool 注册表条目
type Tool struct {
	ToolID           string   `json:"tool_id"`
	Version          string   `json:"version"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	ShortDescription string   `json:"short_description"`
	Kind             string   `json:"kind"`
	InputSchemaRef   string   `json:"input_schema_ref"`
	OutputSchemaRef  string   `json:"output_schema_ref"`
	ExecutorBackend  string   `json:"executor_backend"`
	Permissions      []string `json:"permissions"`
	SideEffects      []string `json:"side_effects"`
	Entrypoint       []string `json:"entrypoint"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	EnvAllowlist     []string `json:"env_allowlist"`
}

// registryFile 单文件注册表的外层结构
type registryFile struct {
	Version string `json:"version"`
	Tools   []Tool `json:"tools"`
}

// Registry 注册表装载器
type Registry struct {
	ManifestDir  string
	RegistryPath string
}

// New 构造注册表
func New(manifestDir, registryPath string) *Registry {
	return &Registry{ManifestDir: manifestDir, RegistryPath: registryPath}
}

// Load 按优先级装载全部工具
func (r *Registry) Load() ([]Tool, error) {
	if r.ManifestDir != "" {
		tools, err := loadManifestDir(r.ManifestDir)
		if err != nil {
			return nil, err
		}
		if len(tools) > 0 {
			return tools, nil
		}
	}
	if r.RegistryPath != "" {
		if _, err := os.Stat(r.RegistryPath); err == nil {
			return loadRegistryFile(r.RegistryPath)
		}
	}
	return Builtin(), nil
}

// Find 按 tool_id 查找；缺失返回 errors.ErrNotFound
func (r *Registry) Find(toolID string) (*Tool, error) {
	target := strings.TrimSpace(toolID)
	tools, err := r.Load()
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].ToolID == target {
			return &tools[i], nil
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "tool not found: %s", target)
}

// loadManifestDir 读 <dir>/*/manifest.json，路径序稳定，坏文件跳过
func loadManifestDir(dir string) ([]Tool, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*", "manifest.json"))
	if err != nil {
		return nil, errors.Wrap(err, "glob tool manifests")
	}
	sort.Strings(paths)
	var out []Tool
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var tool Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			continue
		}
		tool.normalize()
		if tool.ToolID != "" {
			out = append(out, tool)
		}
	}
	return out, nil
}

func loadRegistryFile(path string) ([]Tool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read tool registry %s", path)
	}
	var file registryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "parse tool registry %s", path)
	}
	var out []Tool
	for _, tool := range file.Tools {
		tool.normalize()
		if tool.ToolID != "" {
			out = append(out, tool)
		}
	}
	return out, nil
}

// Builtin 内置 sentinel 工具
func Builtin() []Tool {
	tools := []Tool{
		{ToolID: "skill-execute", Description: "generic skill execution sentinel"},
		{ToolID: "job.noop", Description: "succeeds without doing anything"},
		{ToolID: "job.log", Description: "emits task lines[] as log events"},
		{ToolID: "job.fail", Description: "emits an error event and fails"},
	}
	for i := range tools {
		tools[i].ExecutorBackend = BackendBuiltin
		tools[i].normalize()
	}
	return tools
}

func (t *Tool) normalize() {
	t.ToolID = strings.TrimSpace(t.ToolID)
	if t.Version == "" {
		t.Version = "v1"
	}
	if t.Title == "" {
		t.Title = t.ToolID
	}
	if t.ShortDescription == "" {
		t.ShortDescription = t.Description
	}
	if t.Kind == "" {
		t.Kind = "skill"
	}
	if t.ExecutorBackend == "" {
		t.ExecutorBackend = "unknown"
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = defaultTimeoutSeconds
	}
	entrypoint := t.Entrypoint[:0]
	for _, arg := range t.Entrypoint {
		if strings.TrimSpace(arg) != "" {
			entrypoint = append(entrypoint, arg)
		}
	}
	t.Entrypoint = entrypoint
	if t.Permissions == nil {
		t.Permissions = []string{}
	}
	if t.SideEffects == nil {
		t.SideEffects = []string{}
	}
	if t.EnvAllowlist == nil {
		t.EnvAllowlist = []string{}
	}
}

// ManifestHash manifest 关键字段的稳定摘要，进 provenance 的 contract_hashes
func ManifestHash(t *Tool) string {
	digest, err := utils.Sha256Hex(map[string]any{
		"tool_id":           t.ToolID,
		"version":           t.Version,
		"executor_backend":  t.ExecutorBackend,
		"entrypoint":        t.Entrypoint,
		"input_schema_ref":  t.InputSchemaRef,
		"output_schema_ref": t.OutputSchemaRef,
	})
	if err != nil {
		return ""
	}
	return digest
}
