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

package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"dome/pkg/redaction"
	"dome/pkg/utils"
)

var (
	traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// DeterministicRef 无真实 tracing 时从 run_id 派生稳定的 trace 引用。
// 同一 run 重放得到相同引用。
func DeterministicRef(runID string) (traceHex string, spanHex string) {
	digest := utils.Sha256HexString(runID)
	return digest[:32], digest[32:48]
}

// Build 组装一份任务证据包。signals 会先做脱敏再写入。
func Build(ref OTelRef, signals map[string]any, artifacts []Artifact) *Bundle {
	redacted, _ := redaction.RedactPayload(signals).(map[string]any)
	if redacted == nil {
		redacted = map[string]any{}
	}
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	return &Bundle{OTel: ref, Signals: redacted, Artifacts: artifacts}
}

// ArtifactFor 计算文件摘要并生成 artifact 引用
func ArtifactFor(path string) (Artifact, error) {
	digest, n, err := utils.Sha256File(path)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, SHA256: digest, Bytes: n}, nil
}

// Load 读取并校验证据包
func Load(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence bundle: %w", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse evidence bundle %s: %w", path, err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry evidence bundle %s: %w", path, err)
	}
	return &bundle, nil
}

// Validate 校验 trace 引用与 signals 存在性
func (b *Bundle) Validate() error {
	if b.Signals == nil {
		return fmt.Errorf("missing signals")
	}
	if !traceIDPattern.MatchString(b.OTel.TraceIDHex) {
		return fmt.Errorf("bad trace_id_hex: %q", b.OTel.TraceIDHex)
	}
	if !spanIDPattern.MatchString(b.OTel.SpanIDHex) {
		return fmt.Errorf("bad span_id_hex: %q", b.OTel.SpanIDHex)
	}
	return nil
}
