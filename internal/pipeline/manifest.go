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

package pipeline

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"dome/internal/contract"
	"dome/internal/fsatomic"
	"dome/pkg/utils"
)

// ManifestVersion run manifest schema 版本
const ManifestVersion = "0.2.0"

// pipelineCommands 固定的流水线阶段顺序
var pipelineCommands = []string{"planner", "implementers", "checkers", "promote", "state_writer"}

// Manifest run 的可复现性清单
type Manifest struct {
	Version      string            `json:"version"`
	RunID        string            `json:"run_id"`
	Inputs       ManifestInputs    `json:"inputs"`
	Commands     []string          `json:"commands"`
	Refs         map[string]string `json:"refs"`
	Budgets      contract.Budgets  `json:"budgets"`
	DesiredState map[string]any    `json:"desired_state"`
	Artifacts    map[string]string `json:"artifacts"`
	Runtime      ManifestRuntime   `json:"runtime"`
}

// ManifestInputs 输入及其摘要
type ManifestInputs struct {
	PreContractPath   string            `json:"pre_contract_path"`
	PreContractSHA256 string            `json:"pre_contract_sha256"`
	InputHashes       map[string]string `json:"input_hashes"`
}

// ManifestRuntime 运行环境指纹
type ManifestRuntime struct {
	RepoCommitSHA          string            `json:"repo_commit_sha"`
	ToolVersions           map[string]string `json:"tool_versions"`
	EnvironmentFingerprint map[string]string `json:"environment_fingerprint"`
	TraceSource            string            `json:"trace_source"`
	MaxRetries             int               `json:"max_retries"`
	RiskThreshold          int               `json:"risk_threshold"`
	WorkerModels           []string          `json:"worker_models"`
}

// BuildManifest 组装 manifest；输入文件摘要缺失时留空而非失败
func BuildManifest(pc *contract.PreContract, preContractPath string, artifacts map[string]string, traceSource string, maxRetries, riskThreshold int, workerModels []string) *Manifest {
	hashOf := func(path string) string {
		if path == "" {
			return ""
		}
		digest, _, err := utils.Sha256File(path)
		if err != nil {
			return ""
		}
		return digest
	}
	preContractSHA := hashOf(preContractPath)

	inputHashes := map[string]string{
		"pre_contract": preContractSHA,
		"state_space":  hashOf(artifacts["state_space"]),
		"reason_codes": hashOf(artifacts["reason_codes"]),
		"work_queue":   hashOf(artifacts["work_queue"]),
	}

	cwd, _ := os.Getwd()
	return &Manifest{
		Version: ManifestVersion,
		RunID:   pc.PacketID,
		Inputs: ManifestInputs{
			PreContractPath:   preContractPath,
			PreContractSHA256: preContractSHA,
			InputHashes:       inputHashes,
		},
		Commands:     pipelineCommands,
		Refs:         map[string]string{"base_ref": pc.BaseRef},
		Budgets:      pc.Budgets,
		DesiredState: map[string]any{"gate": "PROMOTE"},
		Artifacts:    artifacts,
		Runtime: ManifestRuntime{
			RepoCommitSHA: repoCommitSHA(),
			ToolVersions:  map[string]string{"go": runtime.Version()},
			EnvironmentFingerprint: map[string]string{
				"platform":       runtime.GOOS + "/" + runtime.GOARCH,
				"implementation": "go",
				"cwd":            cwd,
			},
			TraceSource:   traceSource,
			MaxRetries:    maxRetries,
			RiskThreshold: riskThreshold,
			WorkerModels:  workerModels,
		},
	}
}

// PersistManifest manifest 落盘至 <runDir>/run.manifest.json
func PersistManifest(runDir string, manifest *Manifest) (string, error) {
	path := filepath.Join(runDir, "run.manifest.json")
	if err := fsatomic.WriteJSON(path, manifest); err != nil {
		return "", err
	}
	return path, nil
}

// repoCommitSHA 当前仓库 HEAD；非 git 环境返回 unknown
func repoCommitSHA() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}
