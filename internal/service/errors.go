package service

import (
	"affiliate/internal/biz"
)

// 业务错误码常量
const (
	// 推广链接相关错误
	AFF_ERR_INVALID_ARGUMENT = "AFF_40001" // 请求参数不合法
	AFF_ERR_LINK_DISABLED    = "AFF_40002" // 推广链接已停用
	AFF_ERR_SELF_REFERRAL    = "AFF_40003" // 不能通过自己的链接下单
	AFF_ERR_UNAUTHORIZED     = "AFF_40101" // 缺少调用方身份
	AFF_ERR_FORBIDDEN        = "AFF_40301" // 无权操作
	AFF_ERR_LINK_NOT_FOUND   = "AFF_40401" // 推广码不存在
	AFF_ERR_ORDER_NOT_FOUND  = "AFF_40402" // 订单不存在
	AFF_ERR_COMM_NOT_FOUND   = "AFF_40403" // 佣金记录不存在
	AFF_ERR_DUPLICATE_LINK   = "AFF_40901" // 有效链接已存在
	AFF_ERR_DUPLICATE_CONV   = "AFF_40902" // 订单已归因

	// 点数相关错误
	POINTS_ERR_INSUFFICIENT = "POINTS_40001" // 余额不足
	POINTS_ERR_RACE         = "POINTS_40901" // 并发写入冲突
	POINTS_ERR_CORRUPTED    = "POINTS_50001" // 流水校验失败

	// 系统错误
	SYS_ERR_INTERNAL = "SYS_50001" // 服务内部错误
)

// ErrorMapping 错误原因到业务错误码的映射
var ErrorMapping = map[string]string{
	biz.ReasonInvalidArgument:     AFF_ERR_INVALID_ARGUMENT,
	biz.ReasonLinkDisabled:        AFF_ERR_LINK_DISABLED,
	biz.ReasonSelfReferral:        AFF_ERR_SELF_REFERRAL,
	biz.ReasonUnauthorized:        AFF_ERR_UNAUTHORIZED,
	biz.ReasonForbidden:           AFF_ERR_FORBIDDEN,
	biz.ReasonLinkNotFound:        AFF_ERR_LINK_NOT_FOUND,
	biz.ReasonOrderNotFound:       AFF_ERR_ORDER_NOT_FOUND,
	biz.ReasonCommissionNotFound:  AFF_ERR_COMM_NOT_FOUND,
	biz.ReasonDuplicateLink:       AFF_ERR_DUPLICATE_LINK,
	biz.ReasonDuplicateConversion: AFF_ERR_DUPLICATE_CONV,

	biz.ReasonInsufficientBalance: POINTS_ERR_INSUFFICIENT,
	biz.ReasonSettlementRace:      POINTS_ERR_RACE,
	biz.ReasonLedgerCorrupted:     POINTS_ERR_CORRUPTED,
}

// BusinessCode 返回错误原因对应的业务错误码，未知原因归为系统错误
func BusinessCode(reason string) string {
	if code, ok := ErrorMapping[reason]; ok {
		return code
	}
	return SYS_ERR_INTERNAL
}
