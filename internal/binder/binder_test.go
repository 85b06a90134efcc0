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

package binder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() []TaskRow {
	return []TaskRow{
		{RunID: "run-1", TaskID: "t-b", Status: "PASS", Attempts: 1, DurationMs: 10, WorkerModel: "model-a"},
		{RunID: "run-1", TaskID: "t-a", Status: "FAIL", FailureReasonCode: "EXEC.NONZERO_EXIT", Attempts: 2, DurationMs: 40, WorkerModel: "model-b"},
		{RunID: "run-1", TaskID: "t-c", Status: "PASS", PolicyReasonCode: "POLICY.NEEDS_HUMAN", Attempts: 1, DurationMs: 5, WorkerModel: "model-a"},
	}
}

func TestStrictModeOnlyDerivesFailures(t *testing.T) {
	rows := DeriveRows(ModeStrict, sampleRows())
	require.Len(t, rows, 2)
	assert.Equal(t, "t-a", rows[0].TaskID)
	assert.Equal(t, "t-c", rows[1].TaskID)
	assert.Equal(t, "fix", rows[0].ActionKind)
	// 无失败码但带策略码的行走 validate
	assert.Equal(t, "validate", rows[1].ActionKind)
}

func TestLenientModeDerivesEverything(t *testing.T) {
	rows := DeriveRows(ModeLenient, sampleRows())
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"t-a", "t-b", "t-c"}, []string{rows[0].TaskID, rows[1].TaskID, rows[2].TaskID})
}

func TestDeterminismLaw(t *testing.T) {
	first := DeriveRows(ModeHybrid, sampleRows())
	second := DeriveRows(ModeHybrid, sampleRows())
	require.Equal(t, first, second)

	for _, row := range first {
		assert.Len(t, row.Fingerprint, 64)
		assert.Len(t, row.IdempotencyKey, 64)
		assert.Len(t, row.DerivedUpsertKey, 64)
		assert.Equal(t, Version, row.BinderVersion)
		assert.Equal(t, 1, row.SupportCount)
		assert.Equal(t, 0, row.ContradictionCount)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := TaskRow{RunID: "run-1", TaskID: "t-a", Status: "FAIL", Attempts: 2, DurationMs: 40, WorkerModel: "model-b"}
	changed := base
	changed.Attempts = 3
	assert.NotEqual(t, Fingerprint(base), Fingerprint(changed))
}
