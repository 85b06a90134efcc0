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

// Package issuetrack GitHub 风格 issue/milestone API 的最小客户端。
// 规划阶段把 run 映射为 milestone，任务映射为 issue。
package issuetrack

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"dome/pkg/config"
	"dome/pkg/secrets"
)

// Milestone 里程碑
type Milestone struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// Issue 任务工单
type Issue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Milestone any    `json:"milestone,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
}

// Client issue 服务客户端
type Client struct {
	http *resty.Client
	repo string
}

// New 由配置构造客户端；token 从 secrets 后端解析
func New(cfg config.IssueTrackConfig, store secrets.Store) (*Client, error) {
	if cfg.Repo == "" {
		return nil, fmt.Errorf("issue_track.repo is required")
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/vnd.github+json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if cfg.TokenSecret != "" && store != nil {
		token, err := store.Get(context.Background(), cfg.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("resolve issue tracker token: %w", err)
		}
		http.SetAuthToken(token)
	}
	return &Client{http: http, repo: cfg.Repo}, nil
}

// EnsureMilestone 按标题查找 open milestone，缺失则创建
func (c *Client) EnsureMilestone(ctx context.Context, title string) (*Milestone, error) {
	var existing []Milestone
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("state", "open").
		SetResult(&existing).
		Get(fmt.Sprintf("/repos/%s/milestones", c.repo))
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list milestones: %s", resp.Status())
	}
	for i := range existing {
		if existing[i].Title == title {
			return &existing[i], nil
		}
	}

	var created Milestone
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"title": title}).
		SetResult(&created).
		Post(fmt.Sprintf("/repos/%s/milestones", c.repo))
	if err != nil {
		return nil, fmt.Errorf("create milestone: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create milestone %q: %s", title, resp.Status())
	}
	return &created, nil
}

// CreateIssue 创建任务工单，可挂到 milestone
func (c *Client) CreateIssue(ctx context.Context, title, body string, milestone *Milestone) (*Issue, error) {
	payload := map[string]any{"title": title, "body": body}
	if milestone != nil {
		payload["milestone"] = milestone.Number
	}
	var created Issue
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&created).
		Post(fmt.Sprintf("/repos/%s/issues", c.repo))
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create issue %q: %s", title, resp.Status())
	}
	return &created, nil
}
