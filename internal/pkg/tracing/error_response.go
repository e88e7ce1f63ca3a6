package tracing

import (
	"context"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// HTTPErrorResponseEnhancer HTTP 错误响应增强中间件
// 为返回给调用方的错误附加 traceid / spanid，便于排查
func HTTPErrorResponseEnhancer() middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			reply, err := handler(ctx, req)
			if err == nil {
				return reply, nil
			}

			traceID, spanID := "", ""
			if httpReq, ok := http.RequestFromServerContext(ctx); ok {
				traceID = httpReq.Header.Get("X-Trace-ID")
				spanID = httpReq.Header.Get("X-Span-ID")
			}
			if traceID == "" || spanID == "" {
				info := ExtractTraceInfo(ctx)
				traceID, spanID = info.TraceID, info.SpanID
			}

			if traceID != "" && spanID != "" {
				return reply, WrapErrorWithTrace(errors.FromError(err), traceID, spanID)
			}
			return reply, err
		}
	}
}

// WrapErrorWithTrace 在保留已有 metadata 的前提下写入追踪信息
func WrapErrorWithTrace(err *errors.Error, traceID, spanID string) *errors.Error {
	if err == nil {
		return nil
	}

	metadata := make(map[string]string, len(err.Metadata)+2)
	for k, v := range err.Metadata {
		metadata[k] = v
	}
	if _, ok := metadata["traceid"]; !ok {
		metadata["traceid"] = traceID
	}
	if _, ok := metadata["spanid"]; !ok {
		metadata["spanid"] = spanID
	}
	return err.WithMetadata(metadata)
}

// ExtractTraceInfoFromError 从错误中提取追踪信息
func ExtractTraceInfoFromError(err error) (string, string, bool) {
	if err == nil {
		return "", "", false
	}

	e := errors.FromError(err)
	if e == nil {
		return "", "", false
	}

	traceID, traceIDExists := e.Metadata["traceid"]
	spanID, spanIDExists := e.Metadata["spanid"]
	if traceIDExists && spanIDExists {
		return traceID, spanID, true
	}

	return "", "", false
}
