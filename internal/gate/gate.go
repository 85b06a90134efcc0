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

// Package gate 波次门禁。只消费确定性信号：任务终态、verify 退出码、风险提示。
package gate

import (
	"fmt"
	"path/filepath"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/internal/fsatomic"
	"dome/internal/reason"
	"dome/pkg/metrics"
)

// DecisionVersion 门禁决策 schema 版本
const DecisionVersion = "0.2.0"

// 门禁状态
const (
	StatusApprove    = "APPROVE"
	StatusReject     = "REJECT"
	StatusNeedsHuman = "NEEDS_HUMAN"
)

// 底层执行面状态
const (
	SubstratePromote = "PROMOTE"
	SubstrateDeny    = "DENY"
	SubstrateStop    = "STOP"
)

// 截断 verify 输出，避免决策文件无界膨胀
const verifyOutputLimit = 4000

// TelemetryRef 决策携带的追踪引用
type TelemetryRef struct {
	TraceIDHex string `json:"trace_id_hex"`
	SpanIDHex  string `json:"span_id_hex"`
}

// Decision 门禁决策
type Decision struct {
	Version         string       `json:"version"`
	RunID           string       `json:"run_id"`
	TaskID          string       `json:"task_id"`
	Status          string       `json:"status"`
	SubstrateStatus string       `json:"substrate_status"`
	ReasonCodes     []string     `json:"reason_codes"`
	Confidence      float64      `json:"confidence"`
	RiskScore       int          `json:"risk_score"`
	Notes           []string     `json:"notes"`
	TelemetryRef    TelemetryRef `json:"telemetry_ref"`
}

// Input 门禁输入。VerifyRC 为 nil 表示本 run 无外部 verify 命令。
type Input struct {
	RunID         string
	Results       []*contract.TaskResult
	VerifyRC      *int
	VerifyOutput  string
	RiskThreshold int
	TraceSource   string
	TelemetryRef  TelemetryRef
}

// SubstrateStatusFor 门禁状态到执行面状态的映射
func SubstrateStatusFor(status string) (string, error) {
	switch status {
	case StatusApprove:
		return SubstratePromote, nil
	case StatusReject:
		return SubstrateDeny, nil
	case StatusNeedsHuman:
		return SubstrateStop, nil
	}
	return "", fmt.Errorf("unknown gate status: %s", status)
}

// GateStatusFor 执行面状态回映射
func GateStatusFor(substrate string) (string, error) {
	switch substrate {
	case SubstratePromote:
		return StatusApprove, nil
	case SubstrateDeny:
		return StatusReject, nil
	case SubstrateStop:
		return StatusNeedsHuman, nil
	}
	return "", fmt.Errorf("unknown substrate status: %s", substrate)
}

// Evaluate 纯函数式门禁评估。判定顺序：
// verify 失败 > 任务失败 > 风险越阈 > 放行。
func Evaluate(in Input) (*Decision, error) {
	status := StatusApprove
	reasonCodes := []string{}
	confidence := 0.9
	riskScore := 20
	notes := []string{}

	// 越阈判定用原始提示值，不抬底；兜底的 20 只作用于放行时的最终评分
	hintedRisk := 0
	for _, result := range in.Results {
		if result.RiskScoreHint > hintedRisk {
			hintedRisk = result.RiskScoreHint
		}
	}

	switch {
	case in.VerifyRC != nil && *in.VerifyRC != 0:
		status = StatusReject
		reasonCodes = []string{reason.CodeVerifyTestFail}
		confidence = 0.98
		riskScore = 95
		notes = append(notes, "deterministic verify command failed")
	case anyFailed(in.Results):
		status = StatusReject
		reasonCodes = []string{reason.CodeExecNonzeroExit}
		confidence = 0.95
		riskScore = 85
		notes = append(notes, "implementer task failed")
	case hintedRisk >= in.RiskThreshold:
		status = StatusNeedsHuman
		reasonCodes = []string{reason.CodePolicyNeedsHuman}
		confidence = 0.7
		riskScore = hintedRisk
		notes = append(notes, "risk threshold exceeded")
	default:
		riskScore = hintedRisk
		if riskScore < 20 {
			riskScore = 20
		}
		notes = append(notes, "all deterministic checks passed")
	}

	if in.TraceSource != "" {
		notes = append(notes, "trace_source="+in.TraceSource)
	}
	if in.VerifyRC != nil {
		notes = append(notes, fmt.Sprintf("verify_rc=%d", *in.VerifyRC))
		output := in.VerifyOutput
		if len(output) > verifyOutputLimit {
			output = output[:verifyOutputLimit]
		}
		notes = append(notes, "verify_output="+output)
	}

	if err := reason.Default().Validate(reasonCodes); err != nil {
		return nil, err
	}
	substrate, err := SubstrateStatusFor(status)
	if err != nil {
		return nil, err
	}
	metrics.GateDecisions.WithLabelValues(status).Inc()
	return &Decision{
		Version:         DecisionVersion,
		RunID:           in.RunID,
		TaskID:          "wave-gate",
		Status:          status,
		SubstrateStatus: substrate,
		ReasonCodes:     reasonCodes,
		Confidence:      confidence,
		RiskScore:       riskScore,
		Notes:           notes,
		TelemetryRef:    in.TelemetryRef,
	}, nil
}

func anyFailed(results []*contract.TaskResult) bool {
	for _, result := range results {
		if result.Status != contract.ResultPass {
			return true
		}
	}
	return false
}

// Persist 决策落盘至 <runDir>/gate/gate.decision.json
func Persist(runDir string, decision *Decision) (string, error) {
	path := filepath.Join(runDir, "gate", "gate.decision.json")
	if err := fsatomic.WriteJSON(path, decision); err != nil {
		return "", err
	}
	return path, nil
}

// Publish 发布 gate.requested 与 gate.verdict 事件
func Publish(bus *eventbus.Bus, decision *Decision) error {
	if _, _, err := bus.Publish(eventbus.TopicGateRequested, decision.RunID, map[string]any{
		"task_id": decision.TaskID,
	}, ""); err != nil {
		return err
	}
	payload := map[string]any{
		"task_id":          decision.TaskID,
		"status":           decision.Status,
		"substrate_status": decision.SubstrateStatus,
		"reason_codes":     decision.ReasonCodes,
		"confidence":       decision.Confidence,
		"risk_score":       decision.RiskScore,
	}
	_, _, err := bus.Publish(eventbus.TopicGateVerdict, decision.RunID, payload, "")
	return err
}
