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

package statespace

import (
	"fmt"
	"strings"

	"dome/internal/contract"
	"dome/internal/fsatomic"
	"dome/internal/gate"
	"dome/internal/promote"
	"dome/internal/reason"
	"dome/pkg/evidence"
)

// DocumentVersion 状态空间文档版本
const DocumentVersion = "0.2.0"

// Node 工作项的需求/依赖/产出/断言
type Node struct {
	Reqs   []string `json:"reqs"`
	Deps   []string `json:"deps"`
	Provs  []string `json:"provs"`
	Assert []string `json:"assert"`
}

// GateRecord 工作项上的门禁结论
type GateRecord struct {
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// WorkItem 状态空间中的工作项
type WorkItem struct {
	WorkID    string          `json:"work_id"`
	Status    string          `json:"status"`
	Node      Node            `json:"node"`
	Telemetry evidence.OTelRef `json:"telemetry"`
	Gate      GateRecord      `json:"gate"`
}

// Document 状态空间文档。telemetry 是唯一认可的事实来源。
type Document struct {
	Version         string         `json:"version"`
	RunID           string         `json:"run_id"`
	Memory          []any          `json:"memory"`
	TaskPreferences map[string]any `json:"task_preferences"`
	WorkItems       []WorkItem     `json:"work_items"`
}

// BuildDocument 由 run 产物推导状态空间文档。
// 每个结果的证据包必须存在且通过校验，缺证据即整体失败。
func BuildDocument(wq *contract.WorkQueue, summary *contract.RunSummary, gd *gate.Decision, pd *promote.Decision) (*Document, error) {
	depsByID := make(map[string][]string, len(wq.Tasks))
	for _, task := range wq.Tasks {
		depsByID[task.TaskID] = task.Dependencies
	}

	approvedRun := pd.Decision == gate.StatusApprove

	blockedReason := reason.CodePolicyNeedsHuman
	if len(pd.ReasonCodes) > 0 {
		blockedReason = pd.ReasonCodes[0]
	}

	items := make([]WorkItem, 0, len(summary.Results))
	for _, result := range summary.Results {
		if result.EvidenceBundlePath == "" {
			return nil, fmt.Errorf("task %s has no evidence bundle", result.TaskID)
		}
		bundle, err := evidence.Load(result.EvidenceBundlePath)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", result.TaskID, err)
		}

		approved := approvedRun && result.Status == contract.ResultPass
		status := contract.StatusBlocked
		gateStatus := contract.StatusBlocked
		reasonCode := blockedReason
		if approved {
			status = contract.StatusDone
			gateStatus = contract.StatusDone
			reasonCode = ""
		}

		deps := depsByID[result.TaskID]
		if deps == nil {
			deps = []string{}
		}
		items = append(items, WorkItem{
			WorkID: result.TaskID,
			Status: status,
			Node: Node{
				Reqs:   []string{},
				Deps:   deps,
				Provs:  []string{"telemetry"},
				Assert: []string{"gate_passes"},
			},
			Telemetry: bundle.OTel,
			Gate: GateRecord{
				Status:     gateStatus,
				ReasonCode: reasonCode,
				Notes:      strings.Join(gd.Notes, "; "),
			},
		})
	}

	return &Document{
		Version:         DocumentVersion,
		RunID:           summary.RunID,
		Memory:          []any{},
		TaskPreferences: map[string]any{"telemetry_is_ssot": true},
		WorkItems:       items,
	}, nil
}

// Persist 文档原子落盘
func Persist(path string, doc *Document) error {
	return fsatomic.WriteJSON(path, doc)
}
