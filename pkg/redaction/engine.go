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

// Package redaction 证据与事件持久化前的敏感信息脱敏
package redaction

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// 命中即整体脱敏的 key 片段
var sensitiveKeyTokens = []string{"secret", "token", "password", "api_key", "apikey", "credential"}

// 字符串内 key=value / key: value 赋值模式
var assignmentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*)([^\s,;]+)`),
	regexp.MustCompile(`(?i)(token\s*[=:]\s*)([^\s,;]+)`),
	regexp.MustCompile(`(?i)(password\s*[=:]\s*)([^\s,;]+)`),
	regexp.MustCompile(`(?i)(secret\s*[=:]\s*)([^\s,;]+)`),
	regexp.MustCompile(`(?i)(credential\s*[=:]\s*)([^\s,;]+)`),
}

// IsSensitiveKey 判断 key 是否命中敏感片段
func IsSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// RedactText 扫描字符串内的赋值模式并替换值部分
func RedactText(value string) string {
	redacted := value
	for _, pattern := range assignmentPatterns {
		redacted = pattern.ReplaceAllString(redacted, "${1}"+placeholder)
	}
	return redacted
}

// RedactPayload 递归脱敏任意 JSON 形态 payload。
// 敏感 key 的值整体替换；普通字符串按赋值模式扫描。
func RedactPayload(value any) any {
	switch node := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, item := range node {
			if IsSensitiveKey(key) {
				out[key] = placeholder
				continue
			}
			out[key] = RedactPayload(item)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = RedactPayload(item)
		}
		return out
	case string:
		return RedactText(node)
	default:
		return value
	}
}
