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

// Package statespace 任务生命周期状态机与状态空间文档写入。
package statespace

import (
	"fmt"

	"dome/internal/contract"
)

// 状态机信号
const (
	SignalClaim    = "claim"
	SignalRun      = "run"
	SignalGatePass = "gate_pass"
	SignalGateFail = "gate_fail"
	SignalBlock    = "block"
)

// legalTransitions 唯一合法迁移表。DONE 与 BLOCKED 为终态。
var legalTransitions = map[string]map[string]string{
	contract.StatusQueued: {
		SignalClaim: contract.StatusClaimed,
		SignalBlock: contract.StatusBlocked,
	},
	contract.StatusClaimed: {
		SignalRun:   contract.StatusRunning,
		SignalBlock: contract.StatusBlocked,
	},
	contract.StatusRunning: {
		SignalGatePass: contract.StatusGated,
		SignalGateFail: contract.StatusBlocked,
		SignalBlock:    contract.StatusBlocked,
	},
	contract.StatusGated: {
		SignalGatePass: contract.StatusDone,
		SignalGateFail: contract.StatusBlocked,
		SignalBlock:    contract.StatusBlocked,
	},
	contract.StatusDone:    {},
	contract.StatusBlocked: {},
}

// Transition 应用信号；非法迁移返回带稳定错误码的 error
func Transition(from, signal string) (string, error) {
	targets, ok := legalTransitions[from]
	if !ok {
		return "", fmt.Errorf("STATE.INVALID_TRANSITION.%s.%s: unknown state", from, signal)
	}
	to, ok := targets[signal]
	if !ok {
		return "", fmt.Errorf("STATE.INVALID_TRANSITION.%s.%s", from, signal)
	}
	return to, nil
}

// Terminal 是否为终态
func Terminal(state string) bool {
	return state == contract.StatusDone || state == contract.StatusBlocked
}
