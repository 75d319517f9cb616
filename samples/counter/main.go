// Command counter runs a counting flow and a periodic ticker flow on a selectable backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/memory"
	"github.com/cschleiden/go-flows/backend/mongo"
	"github.com/cschleiden/go-flows/backend/mysql"
	"github.com/cschleiden/go-flows/backend/postgres"
	"github.com/cschleiden/go-flows/backend/redis"
	"github.com/cschleiden/go-flows/backend/sqlite"
	"github.com/cschleiden/go-flows/client"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/diag"
	"github.com/cschleiden/go-flows/flow"
	prommetrics "github.com/cschleiden/go-flows/metrics/prometheus"
	"github.com/cschleiden/go-flows/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redisv9 "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	backendName = flag.String("backend", "memory", "backend to use: memory, sqlite, mysql, postgres, redis, mongo")
	otlpURL     = flag.String("otlp", "", "OTLP/HTTP endpoint to export traces to, e.g. localhost:4318")
	stdoutTrace = flag.Bool("stdout-trace", false, "print spans to stdout")
	httpAddr    = flag.String("http", "", "address to serve Prometheus metrics and the diagnostics API on, e.g. :9090")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(context.Background(), logger); err != nil {
		logger.Error("sample failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tp, err := newTracerProvider(ctx)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	otel.SetTracerProvider(tp)

	reg := prometheus.NewRegistry()

	b, err := getBackend(
		backend.WithLogger(logger),
		backend.WithTracerProvider(tp),
		backend.WithMetrics(prommetrics.NewClient(reg, prommetrics.WithLogger(logger))),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	if *httpAddr != "" {
		mux := diag.NewServeMux(b)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		go func() {
			if err := http.ListenAndServe(*httpAddr, mux); err != nil {
				logger.Error("serving diagnostics", "error", err)
			}
		}()
	}

	w, err := runWorker(ctx, b)
	if err != nil {
		return err
	}

	c := client.New(b, w.Registry())

	args := uuid.NewString()
	counter := core.NewFlowID(CounterType, args)

	if _, err := c.GetOrStartFlow(ctx, counter); err != nil {
		return fmt.Errorf("starting counter: %w", err)
	}

	if _, err := c.GetOrStartFlow(ctx, core.NewFlowID(TickerType, args)); err != nil {
		return fmt.Errorf("starting ticker: %w", err)
	}

	for range 4 {
		if err := c.SignalFlow(ctx, counter, IncrementEvent{By: 3}); err != nil {
			return fmt.Errorf("signaling counter: %w", err)
		}

		time.Sleep(100 * time.Millisecond)
	}

	if err := c.WaitForStep(ctx, counter, flow.StepOnEnded, 30*time.Second); err != nil {
		return err
	}

	s, err := client.GetFlowState[CounterState](ctx, c, counter)
	if err != nil {
		return err
	}

	logger.Info("counter ended", "count", s.Count)

	if err := c.WaitForStep(ctx, core.NewFlowID(TickerType, args), flow.StepOnEnded, 30*time.Second); err != nil {
		return err
	}

	stats, err := b.GetStats(ctx)
	if err != nil {
		return err
	}

	logger.Info("backend stats", "active_flows", stats.ActiveFlowInstances, "pending_events", stats.PendingEvents)

	cancel()

	if err := w.WaitForCompletion(); err != nil {
		return fmt.Errorf("stopping worker: %w", err)
	}

	return nil
}

func runWorker(ctx context.Context, b backend.Backend) (*worker.Worker, error) {
	w := worker.New(b, nil)

	counter, err := NewCounterType()
	if err != nil {
		return nil, err
	}

	ticker, err := NewTickerType(500*time.Millisecond, 5)
	if err != nil {
		return nil, err
	}

	if err := errors.Join(
		w.RegisterFlow(counter),
		w.RegisterFlow(ticker),
		worker.RegisterEvent[IncrementEvent](w),
	); err != nil {
		return nil, err
	}

	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	return w, nil
}

func newTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	r := resource.NewSchemaless(
		attribute.String("service.name", "go-flows sample"),
		attribute.String("environment", "sample"),
	)

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(r)}

	if *stdoutTrace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}

		opts = append(opts, sdktrace.WithSyncer(exp))
	}

	if *otlpURL != "" {
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(*otlpURL),
			otlptracehttp.WithInsecure(),
		))
		if err != nil {
			return nil, err
		}

		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func getBackend(opts ...backend.BackendOption) (backend.Backend, error) {
	switch *backendName {
	case "memory":
		return memory.NewMemoryBackend(opts...), nil

	case "sqlite":
		return sqlite.NewSqliteBackend("counter.sqlite", sqlite.WithBackendOptions(opts...)), nil

	case "mysql":
		return mysql.NewMysqlBackend("localhost", 3306, "root", "root", "counter", mysql.WithBackendOptions(opts...)), nil

	case "postgres":
		return postgres.NewPostgresBackend("localhost", 5432, "root", "root", "counter",
			postgres.WithBackendOptions(opts...),
			postgres.WithNotifications(true),
		), nil

	case "redis":
		rclient := redisv9.NewUniversalClient(&redisv9.UniversalOptions{
			Addrs:        []string{"localhost:6379"},
			Password:     "RedisPassw0rd",
			WriteTimeout: time.Second * 30,
			ReadTimeout:  time.Second * 30,
		})

		return redis.NewRedisBackend(rclient, redis.WithBackendOptions(opts...))

	case "mongo":
		return mongo.NewMongoBackend("mongodb://localhost:27017/?replicaSet=rs0&directConnection=true", "counter",
			mongo.WithBackendOptions(opts...),
		)

	default:
		return nil, fmt.Errorf("unknown backend %q", *backendName)
	}
}
