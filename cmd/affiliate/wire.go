//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"affiliate/internal/biz"
	"affiliate/internal/conf"
	"affiliate/internal/data"
	"affiliate/internal/pkg/metrics"
	"affiliate/internal/server"
	"affiliate/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Affiliate, *conf.Settlement, *conf.Outbox, *conf.Kafka, *conf.Auth, *conf.Snowflake, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(server.ProviderSet, data.ProviderSet, biz.ProviderSet, service.ProviderSet, metrics.ProviderSet, newApp))
}
