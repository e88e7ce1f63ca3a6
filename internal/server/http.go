package server

import (
	"affiliate/internal/conf"
	tracingpkg "affiliate/internal/pkg/tracing"
	"affiliate/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, affiliateService *service.AffiliateService, gatherer prometheus.Gatherer, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			tracing.Server(),
			logging.Server(logger),
			tracingpkg.HTTPErrorResponseEnhancer(),
		),
		http.ErrorEncoder(service.ErrorEncoder),
	}
	if c != nil && c.Http != nil {
		if c.Http.Network != "" {
			opts = append(opts, http.Network(c.Http.Network))
		}
		if c.Http.Addr != "" {
			opts = append(opts, http.Address(c.Http.Addr))
		}
		if c.Http.Timeout.AsDuration() > 0 {
			opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
		}
	}
	srv := http.NewServer(opts...)
	srv.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	service.RegisterAffiliateHTTPServer(srv, affiliateService)
	return srv
}
