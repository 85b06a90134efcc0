// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	// 创建 resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// 创建 tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartRunSpan 开始 run pipeline stage span
func StartRunSpan(ctx context.Context, stage string, runID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dome")
	ctx, span := tracer.Start(ctx, stage,
		trace.WithAttributes(
			attribute.String("run.id", runID),
		),
	)
	return ctx, span
}

// StartTaskSpan 开始 task execution span
func StartTaskSpan(ctx context.Context, taskID string, workerModel string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dome")
	ctx, span := tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.worker_model", workerModel),
		),
	)
	return ctx, span
}

// StartGateSpan 开始 gate evaluation span
func StartGateSpan(ctx context.Context, runID string, riskThreshold int) (context.Context, trace.Span) {
	tracer := otel.Tracer("dome")
	ctx, span := tracer.Start(ctx, "gate.evaluate",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("risk.threshold", riskThreshold),
		),
	)
	return ctx, span
}

// SpanHexRefs 提取当前 span 的 trace/span id 十六进制表示。
// span 无效时返回 false，调用方回退到确定性哈希引用。
func SpanHexRefs(span trace.Span) (traceHex string, spanHex string, ok bool) {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}
