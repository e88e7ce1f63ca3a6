package biz

import (
	"github.com/go-kratos/kratos/v2/errors"
)

// 错误原因，与 service 层的友好提示一一对应
const (
	ReasonInvalidArgument     = "INVALID_ARGUMENT"
	ReasonUnauthorized        = "UNAUTHORIZED"
	ReasonForbidden           = "FORBIDDEN"
	ReasonLinkNotFound        = "LINK_NOT_FOUND"
	ReasonOrderNotFound       = "ORDER_NOT_FOUND"
	ReasonCommissionNotFound  = "COMMISSION_NOT_FOUND"
	ReasonLinkDisabled        = "LINK_DISABLED"
	ReasonDuplicateLink       = "DUPLICATE_LINK"
	ReasonDuplicateConversion = "DUPLICATE_CONVERSION"
	ReasonSelfReferral        = "SELF_REFERRAL"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonSettlementRace      = "SETTLEMENT_RACE"
	ReasonLedgerCorrupted     = "LEDGER_CORRUPTED"
)

var (
	// ErrInvalidArgument 请求参数不合法
	ErrInvalidArgument = errors.BadRequest(ReasonInvalidArgument, "invalid argument")
	// ErrUnauthorized 缺少调用方身份
	ErrUnauthorized = errors.Unauthorized(ReasonUnauthorized, "unauthorized")
	// ErrForbidden 调用方无权操作该资源
	ErrForbidden = errors.Forbidden(ReasonForbidden, "forbidden")

	// ErrLinkNotFound 推广码不存在
	ErrLinkNotFound = errors.NotFound(ReasonLinkNotFound, "affiliate link not found")
	// ErrOrderNotFound 订单在订单子系统中不存在
	ErrOrderNotFound = errors.NotFound(ReasonOrderNotFound, "order not found")
	// ErrCommissionNotFound 订单没有对应的佣金记录
	ErrCommissionNotFound = errors.NotFound(ReasonCommissionNotFound, "affiliate commission not found")
	// ErrLinkDisabled 推广链接已停用，不再接受新的归因
	ErrLinkDisabled = errors.BadRequest(ReasonLinkDisabled, "affiliate link disabled")

	// ErrDuplicateLink 同一推广人与商家已存在有效链接，调用方应复用
	ErrDuplicateLink = errors.Conflict(ReasonDuplicateLink, "active affiliate link already exists")
	// ErrDuplicateConversion 订单已归因过，调用方应视为已处理
	ErrDuplicateConversion = errors.Conflict(ReasonDuplicateConversion, "order already converted")
	// ErrSelfReferral 买家不能通过自己的推广链接下单获得佣金
	ErrSelfReferral = errors.BadRequest(ReasonSelfReferral, "self referral is not allowed")
	// ErrInsufficientBalance 消费后余额将为负
	ErrInsufficientBalance = errors.BadRequest(ReasonInsufficientBalance, "insufficient points balance")

	// ErrSettlementRace 并发写入同一用户流水，重读后重试
	ErrSettlementRace = errors.Conflict(ReasonSettlementRace, "concurrent ledger write detected")
	// ErrLedgerCorrupted 余额折叠校验失败，该用户的结算必须停止
	ErrLedgerCorrupted = errors.InternalServer(ReasonLedgerCorrupted, "ledger balance fold mismatch")
)

// IsRetryable 判断错误是否为可通过重读状态重试的瞬时错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSettlementRace)
}
