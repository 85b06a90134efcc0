package redaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitiveKey(t *testing.T) {
	assert.True(t, IsSensitiveKey("api_key"))
	assert.True(t, IsSensitiveKey("GITHUB_TOKEN"))
	assert.True(t, IsSensitiveKey("db_password"))
	assert.True(t, IsSensitiveKey("ApiKey"))
	assert.False(t, IsSensitiveKey("task_id"))
	assert.False(t, IsSensitiveKey("notes"))
}

func TestRedactText(t *testing.T) {
	got := RedactText("connecting with token=abc123 and api_key: xyz done")
	assert.NotContains(t, got, "abc123")
	assert.NotContains(t, got, "xyz")
	assert.Contains(t, got, "token=[REDACTED]")
	assert.Contains(t, got, "api_key: [REDACTED]")
	assert.Contains(t, got, "done")
}

func TestRedactPayload(t *testing.T) {
	in := map[string]any{
		"task_id":  "t-1",
		"password": "hunter2",
		"nested": map[string]any{
			"credential": "aws-creds",
			"notes":      "used secret=topsecret here",
		},
		"list": []any{"password: qwerty", 42},
	}
	out, ok := RedactPayload(in).(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "t-1", out["task_id"])
	assert.Equal(t, "[REDACTED]", out["password"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["credential"])
	assert.Equal(t, "used secret=[REDACTED] here", nested["notes"])

	list := out["list"].([]any)
	assert.Equal(t, "password: [REDACTED]", list[0])
	assert.Equal(t, 42, list[1])
}
