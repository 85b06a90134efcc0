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

package service

import (
	"os/exec"
	goruntime "runtime"
	"strings"

	"dome/internal/daemon/registry"
	"dome/pkg/utils"
)

func gitOutput(repoRoot string, args ...string) string {
	cmd := exec.Command("git", args...)
	if repoRoot != "" {
		cmd.Dir = repoRoot
	}
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// collectProvenance job 所在运行时的来源指纹。
// input_hash 由调用方填 job 的 request_hash。
func collectProvenance(repoRoot, daemonVersion string, tool *registry.Tool) RunProvenance {
	commitSHA := gitOutput(repoRoot, "rev-parse", "HEAD")
	if commitSHA == "" {
		commitSHA = "unknown"
	}
	dirty := gitOutput(repoRoot, "status", "--porcelain") != ""

	env := map[string]any{
		"go":             goruntime.Version(),
		"platform":       goruntime.GOOS + "/" + goruntime.GOARCH,
		"implementation": "go",
	}
	tools := map[string]any{
		"domed":    daemonVersion,
		"executor": tool.ExecutorBackend,
		"go":       goruntime.Version(),
	}
	contractHashes := map[string]any{
		"tool_manifest_sha256": registry.ManifestHash(tool),
	}

	return RunProvenance{
		Repo:               "dome",
		CommitSHA:          commitSHA,
		DirtyFlag:          dirty,
		ContractHashesJSON: canonicalString(contractHashes),
		ToolVersionsJSON:   canonicalString(tools),
		EnvFingerprint:     canonicalString(env),
	}
}

func canonicalString(payload map[string]any) string {
	raw, err := utils.CanonicalJSON(payload)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
