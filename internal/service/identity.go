package service

import (
	"context"
	"strconv"
	"strings"

	"affiliate/internal/biz"
	"affiliate/internal/conf"
	"affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/golang-jwt/jwt/v5"
)

const (
	headerUserID        = "X-User-ID"
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
)

// 可调用运营接口的角色
var operatorRoles = map[string]bool{
	"operator": true,
	"admin":    true,
}

// ExtractUserID 从请求头中提取调用方用户ID（由网关校验登录态后设置）
func ExtractUserID(ctx context.Context, logger *log.Helper) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Service.ExtractUserID")
	defer span.End()

	tr, ok := transport.FromServerContext(ctx)
	if !ok {
		logger.WithContext(ctx).Warn("Failed to get transport from context")
		return 0, biz.ErrUnauthorized
	}

	raw := tr.RequestHeader().Get(headerUserID)
	if raw == "" {
		logger.WithContext(ctx).Warn("No X-User-ID header provided")
		return 0, biz.ErrUnauthorized
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		logger.WithContext(ctx).Warnf("Invalid X-User-ID format: %s", raw)
		return 0, biz.ErrUnauthorized
	}
	return userID, nil
}

// OperatorClaims 运营令牌声明
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// OperatorAuthenticator 校验运营接口的 HS256 令牌
type OperatorAuthenticator struct {
	secret []byte
	log    *log.Helper
}

// NewOperatorAuthenticator 创建运营令牌校验器，未配置密钥时拒绝所有运营请求
func NewOperatorAuthenticator(c *conf.Auth, logger log.Logger) *OperatorAuthenticator {
	a := &OperatorAuthenticator{log: log.NewHelper(logger)}
	if c != nil {
		a.secret = []byte(c.JwtSecret)
	}
	return a
}

// Authorize 解析 Authorization 头并校验角色，返回令牌主体
func (a *OperatorAuthenticator) Authorize(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "Service.AuthorizeOperator")
	defer span.End()

	if len(a.secret) == 0 {
		a.log.WithContext(ctx).Warn("Operator request rejected, jwt secret not configured")
		return "", biz.ErrUnauthorized
	}

	tr, ok := transport.FromServerContext(ctx)
	if !ok {
		return "", biz.ErrUnauthorized
	}
	header := tr.RequestHeader().Get(headerAuthorization)
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", biz.ErrUnauthorized
	}

	claims, err := a.parse(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
	if err != nil {
		a.log.WithContext(ctx).Warnf("Invalid operator token, error: %v", err)
		return "", biz.ErrUnauthorized
	}
	if !operatorRoles[claims.Role] {
		a.log.WithContext(ctx).Warnf("Operator token subject: %s has role: %s", claims.Subject, claims.Role)
		return "", biz.ErrForbidden
	}

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"operator": claims.Subject,
		"role":     claims.Role,
	})
	return claims.Subject, nil
}

func (a *OperatorAuthenticator) parse(tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
