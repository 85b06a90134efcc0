package evidence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicRef(t *testing.T) {
	t1, s1 := DeterministicRef("run-a")
	t2, s2 := DeterministicRef("run-a")
	assert.Equal(t, t1, t2)
	assert.Equal(t, s1, s2)
	assert.Len(t, t1, 32)
	assert.Len(t, s1, 16)

	t3, _ := DeterministicRef("run-b")
	assert.NotEqual(t, t1, t3)
}

func TestBuildRedactsSignals(t *testing.T) {
	trace, span := DeterministicRef("run-x")
	bundle := Build(
		OTelRef{Backend: "deterministic", TraceIDHex: trace, SpanIDHex: span, Project: "dome", RunID: "run-x"},
		map[string]any{"task.id": "t-1", "api_key": "leaked"},
		nil,
	)
	assert.Equal(t, "t-1", bundle.Signals["task.id"])
	assert.Equal(t, "[REDACTED]", bundle.Signals["api_key"])
	assert.NotNil(t, bundle.Artifacts)
	assert.NoError(t, bundle.Validate())
}

func TestLoadRejectsBadTraceRef(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.json")
	payload := map[string]any{
		"otel":    map[string]any{"trace_id_hex": "short", "span_id_hex": "also"},
		"signals": map[string]any{},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "trace_id_hex")
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	trace, span := DeterministicRef("run-y")
	bundle := Build(
		OTelRef{Backend: "deterministic", TraceIDHex: trace, SpanIDHex: span, Project: "dome", RunID: "run-y"},
		map[string]any{"task.status": "PASS"},
		[]Artifact{{Path: "summary.json", SHA256: "00", Bytes: 2}},
	)
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	path := filepath.Join(dir, "bundle.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, bundle.OTel, loaded.OTel)
	assert.Equal(t, "PASS", loaded.Signals["task.status"])

	capsule := loaded.ToCapsule()
	assert.Equal(t, "0.2.0", capsule.Version)
	assert.Equal(t, trace, capsule.Trace.TraceIDHex)
}

func TestArtifactFor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	artifact, err := ArtifactFor(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4), artifact.Bytes)
	assert.Len(t, artifact.SHA256, 64)
}
