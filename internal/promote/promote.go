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

// Package promote 晋升策略：在门禁决策之上套置信度与风险阈值。
// 晋升只会收紧，从不放宽门禁结论。
package promote

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dome/internal/eventbus"
	"dome/internal/fsatomic"
	"dome/internal/gate"
	"dome/internal/reason"
	"dome/pkg/metrics"
	"dome/pkg/utils"
)

// DecisionVersion 晋升决策 schema 版本
const DecisionVersion = "0.2.0"

// GateDecisionRef 指回门禁决策
type GateDecisionRef struct {
	TaskID       string            `json:"task_id"`
	TelemetryRef gate.TelemetryRef `json:"telemetry_ref"`
}

// Decision 晋升决策
type Decision struct {
	Version         string          `json:"version"`
	RunID           string          `json:"run_id"`
	Decision        string          `json:"decision"`
	ReasonCodes     []string        `json:"reason_codes"`
	Confidence      float64         `json:"confidence"`
	RiskScore       int             `json:"risk_score"`
	Notes           []string        `json:"notes"`
	GateDecisionRef GateDecisionRef `json:"gate_decision_ref"`
}

// Policy 晋升阈值
type Policy struct {
	MinConfidence float64
	MaxRisk       int
}

// Apply 由门禁决策推导晋升决策。
// REJECT 原样传递；NEEDS_HUMAN 补齐 policy code；APPROVE 越阈则降级为 NEEDS_HUMAN。
func Apply(gd *gate.Decision, policy Policy) (*Decision, error) {
	decision := gd.Status
	reasonCodes := append([]string{}, gd.ReasonCodes...)
	notes := append([]string{}, gd.Notes...)

	switch gd.Status {
	case gate.StatusReject:
	case gate.StatusNeedsHuman:
		if !contains(reasonCodes, reason.CodePolicyNeedsHuman) {
			reasonCodes = append(reasonCodes, reason.CodePolicyNeedsHuman)
		}
	case gate.StatusApprove:
		if gd.Confidence < policy.MinConfidence || gd.RiskScore > policy.MaxRisk {
			decision = gate.StatusNeedsHuman
			reasonCodes = append(reasonCodes, reason.CodePolicyNeedsHuman)
			notes = append(notes, fmt.Sprintf(
				"promotion policy escalation: confidence=%.2f min=%.2f risk=%d max=%d",
				gd.Confidence, policy.MinConfidence, gd.RiskScore, policy.MaxRisk))
		}
	default:
		return nil, fmt.Errorf("unknown gate status: %s", gd.Status)
	}

	if err := reason.Default().Validate(reasonCodes); err != nil {
		return nil, err
	}
	metrics.PromotionDecisions.WithLabelValues(decision).Inc()
	return &Decision{
		Version:     DecisionVersion,
		RunID:       gd.RunID,
		Decision:    decision,
		ReasonCodes: reasonCodes,
		Confidence:  gd.Confidence,
		RiskScore:   gd.RiskScore,
		Notes:       notes,
		GateDecisionRef: GateDecisionRef{
			TaskID:       gd.TaskID,
			TelemetryRef: gd.TelemetryRef,
		},
	}, nil
}

func contains(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// Persist 决策落盘至 <runDir>/promotion/promotion.decision.json
func Persist(runDir string, decision *Decision) (string, error) {
	path := filepath.Join(runDir, "promotion", "promotion.decision.json")
	if err := fsatomic.WriteJSON(path, decision); err != nil {
		return "", err
	}
	return path, nil
}

// AppendAudit 追加审计行到 <runRoot>/promotion_audit.jsonl
func AppendAudit(runRoot string, decision *Decision) error {
	if err := os.MkdirAll(runRoot, 0o755); err != nil {
		return err
	}
	entry := map[string]any{
		"ts":            time.Now().UTC().Format(time.RFC3339Nano),
		"run_id":        decision.RunID,
		"decision":      decision.Decision,
		"reason_codes":  decision.ReasonCodes,
		"confidence":    decision.Confidence,
		"risk_score":    decision.RiskScore,
		"telemetry_ref": decision.GateDecisionRef.TelemetryRef,
	}
	line, err := utils.CanonicalJSON(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(runRoot, "promotion_audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Publish 发布 promotion.decision 事件
func Publish(bus *eventbus.Bus, decision *Decision) error {
	_, _, err := bus.Publish(eventbus.TopicPromotionDecision, decision.RunID, map[string]any{
		"decision":     decision.Decision,
		"reason_codes": decision.ReasonCodes,
		"confidence":   decision.Confidence,
		"risk_score":   decision.RiskScore,
	}, "")
	return err
}
