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

package statespace

import (
	"fmt"

	"dome/internal/contract"
	"dome/internal/eventbus"
	"dome/internal/gate"
)

// Replay 将事件日志折叠为每任务终态。
// 纯函数：同一事件序列必得同一状态表。
func Replay(runID string, envs []*eventbus.Envelope) (map[string]string, error) {
	states := map[string]string{}
	apply := func(taskID, signal string) error {
		next, err := Transition(states[taskID], signal)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		states[taskID] = next
		return nil
	}

	for _, env := range envs {
		if runID != "" && env.RunID != runID {
			continue
		}
		switch env.Topic {
		case eventbus.TopicTaskAssigned:
			taskID, _ := env.Payload["task_id"].(string)
			if taskID == "" {
				continue
			}
			states[taskID] = contract.StatusQueued
			if err := apply(taskID, SignalClaim); err != nil {
				return nil, err
			}
			if err := apply(taskID, SignalRun); err != nil {
				return nil, err
			}
		case eventbus.TopicTaskResult:
			taskID, _ := env.Payload["task_id"].(string)
			if taskID == "" || states[taskID] == "" {
				continue
			}
			status, _ := env.Payload["status"].(string)
			signal := SignalGatePass
			if status != contract.ResultPass {
				signal = SignalBlock
			}
			if Terminal(states[taskID]) {
				continue
			}
			if err := apply(taskID, signal); err != nil {
				return nil, err
			}
		case eventbus.TopicGateVerdict:
			// 放行的 verdict 不收尾，DONE 要等 promotion 拍板
			status, _ := env.Payload["status"].(string)
			if status == gate.StatusApprove {
				continue
			}
			if err := failGated(states, apply); err != nil {
				return nil, err
			}
		case eventbus.TopicPromotionDecision:
			decision, _ := env.Payload["decision"].(string)
			if decision == gate.StatusApprove {
				for taskID, state := range states {
					if state != contract.StatusGated {
						continue
					}
					if err := apply(taskID, SignalGatePass); err != nil {
						return nil, err
					}
				}
				continue
			}
			if err := failGated(states, apply); err != nil {
				return nil, err
			}
		}
	}
	return states, nil
}

func failGated(states map[string]string, apply func(taskID, signal string) error) error {
	for taskID, state := range states {
		if state != contract.StatusGated {
			continue
		}
		if err := apply(taskID, SignalGateFail); err != nil {
			return err
		}
	}
	return nil
}
