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

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route"

	"dome/pkg/errors"
	"dome/pkg/metrics"
)

// Handler hertz 适配层
type Handler struct {
	svc *Service
}

// NewHandler 构造 Handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 挂载 /v1 路由与 /metrics
func RegisterRoutes(r *route.Engine, svc *Service) {
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	v1.GET("/health", h.Health)
	v1.GET("/capabilities", h.ListCapabilities)
	v1.GET("/tools", h.ListTools)
	v1.GET("/tools/:id", h.GetTool)
	v1.POST("/skills/execute", h.SkillExecute)
	v1.GET("/jobs/:id", h.GetJobStatus)
	v1.POST("/jobs/:id/cancel", h.CancelJob)
	v1.GET("/jobs/:id/events", h.StreamJobEvents)
	r.GET("/metrics", h.Metrics)
}

func httpStatusFor(s Status) int {
	if s.OK {
		return consts.StatusOK
	}
	switch s.Code {
	case CodeInvalidRequest:
		return consts.StatusBadRequest
	case CodeNotFound:
		return consts.StatusNotFound
	case CodeIdempotencyKeyReused:
		return consts.StatusConflict
	default:
		if s.Retryable {
			return consts.StatusTooManyRequests
		}
		return consts.StatusInternalServerError
	}
}

// Health GET /v1/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, h.svc.Health())
}

// ListCapabilities GET /v1/capabilities
func (h *Handler) ListCapabilities(c context.Context, ctx *app.RequestContext) {
	resp := h.svc.ListCapabilities()
	ctx.JSON(httpStatusFor(resp.Status), resp)
}

// ListTools GET /v1/tools
func (h *Handler) ListTools(c context.Context, ctx *app.RequestContext) {
	resp := h.svc.ListTools()
	ctx.JSON(httpStatusFor(resp.Status), resp)
}

// GetTool GET /v1/tools/:id
func (h *Handler) GetTool(c context.Context, ctx *app.RequestContext) {
	resp := h.svc.GetTool(ctx.Param("id"))
	ctx.JSON(httpStatusFor(resp.Status), resp)
}

// SkillExecute POST /v1/skills/execute
func (h *Handler) SkillExecute(c context.Context, ctx *app.RequestContext) {
	var req SkillExecuteRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, SkillExecuteResponse{
			Status:    statusErr(CodeInvalidRequest, "malformed request body", false),
			Artifacts: []string{},
		})
		return
	}
	resp := h.svc.SkillExecute(c, &req)
	ctx.JSON(httpStatusFor(resp.Status), resp)
}

// GetJobStatus GET /v1/jobs/:id
func (h *Handler) GetJobStatus(c context.Context, ctx *app.RequestContext) {
	resp := h.svc.GetJobStatus(c, ctx.Param("id"))
	ctx.JSON(httpStatusFor(resp.Status), resp)
}

// CancelJob POST /v1/jobs/:id/cancel
func (h *Handler) CancelJob(c context.Context, ctx *app.RequestContext) {
	req := CancelJobRequest{JobID: ctx.Param("id")}
	if body := ctx.Request.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			ctx.JSON(consts.StatusBadRequest, CancelJobResponse{
				Status: statusErr(CodeInvalidRequest, "malformed request body", false),
			})
			return
		}
		req.JobID = ctx.Param("id")
	}
	resp := h.svc.CancelJob(c, &req)
	ctx.JSON(httpStatusFor(resp.Status), resp)
}

// StreamJobEvents GET /v1/jobs/:id/events?since_seq=N&follow=true
// 事件以 NDJSON 逐行写出；follow 模式阻塞到 job 终态且无新事件。
func (h *Handler) StreamJobEvents(c context.Context, ctx *app.RequestContext) {
	jobID := ctx.Param("id")
	sinceSeq, _ := strconv.ParseInt(string(ctx.Query("since_seq")), 10, 64)
	follow, _ := strconv.ParseBool(string(ctx.Query("follow")))

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	err := h.svc.StreamJobEvents(c, jobID, sinceSeq, follow, func(record EventRecord) bool {
		return encoder.Encode(record) == nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "job not found: " + jobID})
			return
		}
		hlog.CtxErrorf(c, "stream job events failed for %s: %v", jobID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "application/x-ndjson", buf.Bytes())
}

// Metrics GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
}
