package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "affiliate"

// TraceInfo 包含追踪信息
type TraceInfo struct {
	TraceID string
	SpanID  string
}

// StartSpan 在当前上下文下开启一个新的 span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// AddSpanTags 为当前 span 添加标签
func AddSpanTags(ctx context.Context, tags map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	for key, value := range tags {
		span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
	}
}

// AddSpanEvent 为当前 span 记录事件
func AddSpanEvent(ctx context.Context, eventName string, attributes map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for key, value := range attributes {
		attrs = append(attrs, attribute.String(key, fmt.Sprintf("%v", value)))
	}

	span.AddEvent(eventName, trace.WithAttributes(attrs...))
}

// RecordError 在 span 上记录错误
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetAttributes(attribute.String("error_reason", err.Error()))
}

// ExtractTraceInfo 从上下文中提取追踪信息
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}

	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}
