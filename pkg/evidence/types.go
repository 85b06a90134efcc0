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

// Package evidence 任务级遥测证据包：状态写入唯一认可的 provenance
package evidence

// OTelRef 追踪引用；trace_id_hex 32 hex、span_id_hex 16 hex
type OTelRef struct {
	Backend    string `json:"backend"`
	TraceIDHex string `json:"trace_id_hex"`
	SpanIDHex  string `json:"span_id_hex"`
	Project    string `json:"project"`
	RunID      string `json:"run_id"`
}

// Artifact 证据引用的落盘产物及其摘要
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Bundle 每任务一份的证据包
type Bundle struct {
	OTel      OTelRef        `json:"otel"`
	Signals   map[string]any `json:"signals"`
	Artifacts []Artifact     `json:"artifacts"`
}

// Capsule 证据包的规范化胶囊形态（跨系统交换用）
type Capsule struct {
	Version   string         `json:"version"`
	Trace     CapsuleTrace   `json:"trace"`
	Signals   map[string]any `json:"signals"`
	Artifacts []Artifact     `json:"artifacts"`
}

// CapsuleTrace 胶囊内的追踪引用
type CapsuleTrace struct {
	TraceIDHex string `json:"trace_id_hex"`
	SpanIDHex  string `json:"span_id_hex"`
	Backend    string `json:"backend"`
	RunID      string `json:"run_id"`
}

// ToCapsule 将 bundle 转为胶囊
func (b *Bundle) ToCapsule() Capsule {
	signals := b.Signals
	if signals == nil {
		signals = map[string]any{}
	}
	artifacts := b.Artifacts
	if artifacts == nil {
		artifacts = []Artifact{}
	}
	return Capsule{
		Version: "0.2.0",
		Trace: CapsuleTrace{
			TraceIDHex: b.OTel.TraceIDHex,
			SpanIDHex:  b.OTel.SpanIDHex,
			Backend:    b.OTel.Backend,
			RunID:      b.OTel.RunID,
		},
		Signals:   signals,
		Artifacts: artifacts,
	}
}
