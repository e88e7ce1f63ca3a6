package main

import (
	"context"
	"flag"
	"os"

	"affiliate/internal/conf"
	"affiliate/internal/server"
	tracingpkg "affiliate/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/http"
	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "affiliate"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, sj *server.SettlementJob, or *server.OutboxRelay, cs *server.ClickServer) *kratos.App {
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(hs, sj, or, cs),
	)
}

func main() {
	flag.Parse()
	logger := log.With(log.NewStdLogger(os.Stdout),
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
		"trace.id", tracing.TraceID(),
		"span.id", tracing.SpanID(),
	)
	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}

	trace := bc.Trace
	if trace == nil {
		trace = &conf.Trace{Sampler: 1.0}
	}
	tp, err := tracingpkg.NewProvider(trace.Endpoint, Name, trace.Sampler)
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := tracingpkg.Shutdown(context.Background(), tp); err != nil {
			log.NewHelper(logger).Errorf("Failed to shutdown tracer provider, error: %v", err)
		}
	}()

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Affiliate, bc.Settlement, bc.Outbox, bc.Kafka, bc.Auth, bc.Snowflake, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
