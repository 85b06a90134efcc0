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

package promote

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dome/internal/gate"
	"dome/internal/reason"
)

func approveDecision() *gate.Decision {
	return &gate.Decision{
		Version:         gate.DecisionVersion,
		RunID:           "run-1",
		TaskID:          "wave-gate",
		Status:          gate.StatusApprove,
		SubstrateStatus: gate.SubstratePromote,
		ReasonCodes:     []string{},
		Confidence:      0.9,
		RiskScore:       20,
		Notes:           []string{"all deterministic checks passed"},
	}
}

func TestApplyApprovePassesPolicy(t *testing.T) {
	decision, err := Apply(approveDecision(), Policy{MinConfidence: 0.8, MaxRisk: 60})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusApprove, decision.Decision)
	assert.Empty(t, decision.ReasonCodes)
	assert.Equal(t, "wave-gate", decision.GateDecisionRef.TaskID)
}

func TestApplyLowConfidenceEscalates(t *testing.T) {
	gd := approveDecision()
	gd.Confidence = 0.5
	decision, err := Apply(gd, Policy{MinConfidence: 0.8, MaxRisk: 60})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusNeedsHuman, decision.Decision)
	assert.Contains(t, decision.ReasonCodes, reason.CodePolicyNeedsHuman)
}

func TestApplyHighRiskEscalates(t *testing.T) {
	gd := approveDecision()
	gd.RiskScore = 90
	decision, err := Apply(gd, Policy{MinConfidence: 0.8, MaxRisk: 60})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusNeedsHuman, decision.Decision)
}

func TestApplyRejectPassesThrough(t *testing.T) {
	gd := approveDecision()
	gd.Status = gate.StatusReject
	gd.ReasonCodes = []string{reason.CodeExecNonzeroExit}
	decision, err := Apply(gd, Policy{MinConfidence: 0.8, MaxRisk: 60})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusReject, decision.Decision)
	assert.Equal(t, []string{reason.CodeExecNonzeroExit}, decision.ReasonCodes)
}

func TestApplyNeedsHumanKeepsPolicyCode(t *testing.T) {
	gd := approveDecision()
	gd.Status = gate.StatusNeedsHuman
	gd.ReasonCodes = []string{}
	decision, err := Apply(gd, Policy{MinConfidence: 0.8, MaxRisk: 60})
	require.NoError(t, err)
	assert.Equal(t, []string{reason.CodePolicyNeedsHuman}, decision.ReasonCodes)
}

func TestAppendAuditWritesJSONL(t *testing.T) {
	runRoot := t.TempDir()
	decision, err := Apply(approveDecision(), Policy{MinConfidence: 0.8, MaxRisk: 60})
	require.NoError(t, err)
	require.NoError(t, AppendAudit(runRoot, decision))
	require.NoError(t, AppendAudit(runRoot, decision))

	f, err := os.Open(filepath.Join(runRoot, "promotion_audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		assert.Equal(t, "run-1", entry["run_id"])
		assert.Equal(t, gate.StatusApprove, entry["decision"])
	}
	assert.Equal(t, 2, lines)
}
