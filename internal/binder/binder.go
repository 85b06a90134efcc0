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

// Package binder 把 task fact 行折叠成稳定幂等的派生行。
// 纯函数：相同输入必产出相同的 key 与 fingerprint。
package binder

import (
	"sort"
	"strings"

	"dome/pkg/utils"
)

// Version 参与所有派生 key 的版本号
const Version = "v1"

// 派生模式
const (
	ModeLenient = "lenient"
	ModeStrict  = "strict"
	ModeHybrid  = "hybrid"
)

// TaskRow 派生输入
type TaskRow struct {
	RunID             string
	TaskID            string
	Status            string
	FailureReasonCode string
	PolicyReasonCode  string
	Attempts          int
	DurationMs        int64
	WorkerModel       string
}

// Row 派生输出
type Row struct {
	RunID              string `json:"run_id"`
	TaskID             string `json:"task_id"`
	GroupID            string `json:"group_id"`
	Scope              string `json:"scope"`
	TargetKind         string `json:"target_kind"`
	TargetID           string `json:"target_id"`
	ActionKind         string `json:"action_kind"`
	FailureReasonCode  string `json:"failure_reason_code"`
	Fingerprint        string `json:"fingerprint"`
	IdempotencyKey     string `json:"idempotency_key"`
	DerivedUpsertKey   string `json:"derived_upsert_key"`
	BinderVersion      string `json:"binder_version"`
	SupportCount       int    `json:"support_count"`
	ContradictionCount int    `json:"contradiction_count"`
}

// eligible strict/hybrid 只取失败或带失败/策略码的行
func eligible(mode string, row TaskRow) bool {
	switch mode {
	case ModeStrict, ModeHybrid:
		return row.Status == "FAIL" || row.FailureReasonCode != "" || row.PolicyReasonCode != ""
	default:
		return true
	}
}

// Fingerprint 任务结局的稳定摘要
func Fingerprint(row TaskRow) string {
	digest, err := utils.Sha256Hex(map[string]any{
		"status":              row.Status,
		"failure_reason_code": row.FailureReasonCode,
		"policy_reason_code":  row.PolicyReasonCode,
		"attempts":            row.Attempts,
		"duration_ms":         row.DurationMs,
		"worker_model":        row.WorkerModel,
	})
	if err != nil {
		return ""
	}
	return digest
}

func joinedHash(parts ...string) string {
	return utils.Sha256HexString(strings.Join(parts, "|"))
}

// DeriveRows 按模式派生；输出按 task_id 排序，重放同输入得同 key（定律）
func DeriveRows(mode string, rows []TaskRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if !eligible(mode, row) {
			continue
		}
		groupID := row.TaskID
		actionKind := "fix"
		if row.Status != "FAIL" && row.FailureReasonCode == "" {
			actionKind = "validate"
		}
		fingerprint := Fingerprint(row)
		derived := Row{
			RunID:              row.RunID,
			TaskID:             row.TaskID,
			GroupID:            groupID,
			Scope:              "task",
			TargetKind:         "task",
			TargetID:           row.TaskID,
			ActionKind:         actionKind,
			FailureReasonCode:  row.FailureReasonCode,
			Fingerprint:        fingerprint,
			IdempotencyKey:     joinedHash(row.RunID, row.TaskID, groupID, Version),
			BinderVersion:      Version,
			SupportCount:       1,
			ContradictionCount: 0,
		}
		derived.DerivedUpsertKey = joinedHash(
			derived.Scope, derived.TargetKind, derived.TargetID,
			derived.ActionKind, derived.FailureReasonCode, fingerprint, Version,
		)
		out = append(out, derived)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
