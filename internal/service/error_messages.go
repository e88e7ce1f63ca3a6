package service

import (
	stdhttp "net/http"
	"time"

	"affiliate/internal/biz"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// ErrorMessageMap 错误消息映射，返回给终端用户的友好提示
var ErrorMessageMap = map[string]string{
	biz.ReasonInvalidArgument: "请求参数无效",
	biz.ReasonUnauthorized:    "用户认证信息无效，请重新登录",
	biz.ReasonForbidden:       "无权执行该操作",

	biz.ReasonLinkNotFound:       "推广链接不存在",
	biz.ReasonOrderNotFound:      "订单不存在",
	biz.ReasonCommissionNotFound: "该订单没有推广佣金记录",
	biz.ReasonLinkDisabled:       "推广链接已停用",

	biz.ReasonDuplicateLink:       "您已拥有该店铺的推广链接",
	biz.ReasonDuplicateConversion: "该订单已完成推广归因",
	biz.ReasonSelfReferral:        "不能通过自己的推广链接下单获得佣金",

	biz.ReasonInsufficientBalance: "点数余额不足",
	biz.ReasonSettlementRace:      "点数账户正忙，请稍后再试",
	biz.ReasonLedgerCorrupted:     "点数账户异常，已暂停结算",

	"INTERNAL_ERROR": "服务内部错误",
}

// GetFriendlyErrorMessage 获取用户友好的错误消息
func GetFriendlyErrorMessage(reason string) string {
	if message, exists := ErrorMessageMap[reason]; exists {
		return message
	}
	return "操作失败，请稍后重试"
}

// StandardErrorResponse 标准错误响应结构
type StandardErrorResponse struct {
	Code    int               `json:"code"`           // HTTP状态码
	BizCode string            `json:"biz_code"`       // 业务错误码
	Reason  string            `json:"reason"`         // 错误原因
	Message string            `json:"message"`        // 用户友好的错误信息
	Detail  string            `json:"detail"`         // 原始错误信息
	Meta    map[string]string `json:"meta,omitempty"` // 错误元数据，包含 traceid/spanid
}

// NewStandardErrorResponse 创建标准错误响应
func NewStandardErrorResponse(err error) *StandardErrorResponse {
	if err == nil {
		return nil
	}

	e := errors.FromError(err)
	if e == nil || e.Reason == "" {
		return &StandardErrorResponse{
			Code:    stdhttp.StatusInternalServerError,
			BizCode: SYS_ERR_INTERNAL,
			Reason:  "INTERNAL_ERROR",
			Message: GetFriendlyErrorMessage("INTERNAL_ERROR"),
			Meta:    map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)},
		}
	}

	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	resp := &StandardErrorResponse{
		Code:    int(e.Code),
		BizCode: BusinessCode(e.Reason),
		Reason:  e.Reason,
		Message: GetFriendlyErrorMessage(e.Reason),
		Detail:  e.Message,
		Meta:    meta,
	}
	// 内部错误不向调用方暴露原始信息
	if resp.Code >= stdhttp.StatusInternalServerError && resp.Reason != biz.ReasonLedgerCorrupted {
		resp.Detail = ""
	}
	return resp
}

// ErrorEncoder HTTP 错误编码器，按标准错误响应结构输出
func ErrorEncoder(w stdhttp.ResponseWriter, r *stdhttp.Request, err error) {
	resp := NewStandardErrorResponse(err)
	codec, _ := http.CodecForRequest(r, "Accept")
	body, merr := codec.Marshal(resp)
	if merr != nil {
		w.WriteHeader(stdhttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/"+codec.Name())
	if traceID, _, ok := tracing.ExtractTraceInfoFromError(err); ok {
		w.Header().Set("X-Trace-ID", traceID)
	}
	w.WriteHeader(resp.Code)
	_, _ = w.Write(body)
}
