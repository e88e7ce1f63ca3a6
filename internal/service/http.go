package service

import (
	"context"
	stdhttp "net/http"

	"affiliate/internal/biz"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationCreateLink       = "/affiliate.v1.Affiliate/CreateLink"
	OperationResolveLink      = "/affiliate.v1.Affiliate/ResolveLink"
	OperationDisableLink      = "/affiliate.v1.Affiliate/DisableLink"
	OperationListLinks        = "/affiliate.v1.Affiliate/ListLinks"
	OperationRecordClick      = "/affiliate.v1.Affiliate/RecordClick"
	OperationRecordConversion = "/affiliate.v1.Affiliate/RecordConversion"
	OperationGetStats         = "/affiliate.v1.Affiliate/GetStats"
	OperationListOrders       = "/affiliate.v1.Affiliate/ListOrders"
	OperationListTransactions = "/affiliate.v1.Points/ListTransactions"
	OperationRedeem           = "/affiliate.v1.Points/Redeem"
	OperationGrant            = "/affiliate.v1.Operator/Grant"
	OperationRunSettlement    = "/affiliate.v1.Operator/RunSettlement"
	OperationHandleOrderEvent = "/affiliate.v1.Operator/HandleOrderEvent"
	OperationSetRate          = "/affiliate.v1.Operator/SetRate"
)

// RegisterAffiliateHTTPServer 注册推广与点数接口路由
func RegisterAffiliateHTTPServer(s *http.Server, svc *AffiliateService) {
	r := s.Route("/")
	r.POST("/v1/affiliate/links", handle(OperationCreateLink, stdhttp.StatusOK, bindBody, svc.CreateLink))
	r.GET("/v1/affiliate/links", handle(OperationListLinks, stdhttp.StatusOK, bindQuery, svc.ListLinks))
	r.GET("/v1/affiliate/links/{code}", handle(OperationResolveLink, stdhttp.StatusOK, bindVars, svc.ResolveLink))
	r.DELETE("/v1/affiliate/links/{id}", handle(OperationDisableLink, stdhttp.StatusOK, bindVars, svc.DisableLink))
	r.POST("/v1/affiliate/clicks", handle(OperationRecordClick, stdhttp.StatusAccepted, bindBody, svc.RecordClick))
	r.POST("/v1/affiliate/conversions", handle(OperationRecordConversion, stdhttp.StatusOK, bindBody, svc.RecordConversion))
	r.GET("/v1/affiliate/stats", handle(OperationGetStats, stdhttp.StatusOK, nil, svc.GetStats))
	r.GET("/v1/affiliate/orders", handle(OperationListOrders, stdhttp.StatusOK, bindQuery, svc.ListOrders))

	r.GET("/v1/points/transactions", handle(OperationListTransactions, stdhttp.StatusOK, bindQuery, svc.ListTransactions))
	r.POST("/v1/points/redeem", handle(OperationRedeem, stdhttp.StatusOK, bindBody, svc.Redeem))

	r.POST("/v1/operator/points/grant", handle(OperationGrant, stdhttp.StatusOK, bindBody, svc.Grant))
	r.POST("/v1/operator/settlements", handle(OperationRunSettlement, stdhttp.StatusOK, nil, svc.RunSettlement))
	r.POST("/v1/operator/order-events", handle(OperationHandleOrderEvent, stdhttp.StatusOK, bindBody, svc.HandleOrderEvent))
	r.PUT("/v1/operator/rate", handle(OperationSetRate, stdhttp.StatusOK, bindBody, svc.SetRate))
}

type binder func(ctx http.Context, v interface{}) error

func bindBody(ctx http.Context, v interface{}) error { return ctx.Bind(v) }
func bindQuery(ctx http.Context, v interface{}) error { return ctx.BindQuery(v) }
func bindVars(ctx http.Context, v interface{}) error { return ctx.BindVars(v) }

// handle 将类型化的服务方法适配为 kratos 路由处理函数，请求经过服务端中间件链
func handle[Req any, Reply any](operation string, status int, bind binder, fn func(context.Context, *Req) (Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if bind != nil {
			if err := bind(ctx, &in); err != nil {
				return errors.BadRequest(biz.ReasonInvalidArgument, errors.FromError(err).Message)
			}
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, req.(*Req))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(status, out)
	}
}
