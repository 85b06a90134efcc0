package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 CLI/daemon 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EventsPublished, WavesDispatched, TaskRetries, TaskDuration,
		GateDecisions, PromotionDecisions,
		DaemonJobs, DaemonJobDuration, StreamPolls, JobsCollected,
	)
}

// EventsPublished 已发布事件数（按 topic）
var EventsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dome_events_published_total",
		Help: "已发布事件数（按 topic）",
	},
	[]string{"topic"},
)

// WavesDispatched 已调度波次数
var WavesDispatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dome_waves_dispatched_total",
		Help: "已调度波次数",
	},
)

// TaskRetries 任务瞬时失败重试数
var TaskRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dome_task_retries_total",
		Help: "任务瞬时失败重试数",
	},
)

// TaskDuration 任务执行耗时（秒）
var TaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dome_task_duration_seconds",
		Help:    "任务执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"status"}, // PASS | FAIL
)

// GateDecisions 门禁决策数（按状态）
var GateDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dome_gate_decisions_total",
		Help: "门禁决策数（按状态）",
	},
	[]string{"status"}, // APPROVE | REJECT | NEEDS_HUMAN
)

// PromotionDecisions 晋升决策数（按结果）
var PromotionDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dome_promotion_decisions_total",
		Help: "晋升决策数（按结果）",
	},
	[]string{"decision"},
)

// DaemonJobs 守护进程 job 数（按终态）
var DaemonJobs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dome_daemon_jobs_total",
		Help: "守护进程 job 数（按终态）",
	},
	[]string{"state"}, // succeeded | failed | canceled
)

// DaemonJobDuration 守护进程 job 执行耗时（秒）
var DaemonJobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dome_daemon_job_duration_seconds",
		Help:    "守护进程 job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// StreamPolls 事件流轮询次数
var StreamPolls = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dome_stream_polls_total",
		Help: "StreamJobEvents 轮询次数",
	},
)

// JobsCollected GC 清理的终态 job 数
var JobsCollected = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dome_daemon_jobs_collected_total",
		Help: "GC 清理的终态 job 数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
