package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/backend/mysql"
	"github.com/tallybook/flowengine/backend/postgres"
	"github.com/tallybook/flowengine/backend/sqlite"
	"github.com/tallybook/flowengine/queue"
	"github.com/tallybook/flowengine/queue/httppush"
	"github.com/tallybook/flowengine/queue/memory"
	redisqueue "github.com/tallybook/flowengine/queue/redis"
	"github.com/tallybook/flowengine/queue/watermill"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "flowengine"

type flowBackend interface {
	backend.Backend
	Migrate() error
}

func setupLogging(level, format string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: l}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(h))
}

// newTracerProvider sets up the global tracer provider. The returned provider has to be shut
// down to flush pending spans.
func newTracerProvider(ctx context.Context, exporter string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(r)}

	switch exporter {
	case "", "none":
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithSyncer(exp))
	case "otlp":
		// Endpoint and headers are read from the OTEL_EXPORTER_OTLP_* environment variables
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient())
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// openBackend connects to the database named by the URL scheme. Migrations are applied by the
// migrate command only. maxConns is ignored for SQLite, which uses a single connection.
func openBackend(databaseURL string, maxConns int, opts ...backend.BackendOption) (b flowBackend, err error) {
	// Constructors panic on connection errors
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("opening database: %v", r)
		}
	}()

	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return nil, fmt.Errorf("database url %q has no scheme", databaseURL)
	}

	switch scheme {
	case "sqlite":
		return sqlite.NewSqliteBackend(rest, sqlite.WithApplyMigrations(false), sqlite.WithBackendOptions(opts...)), nil
	case "postgres", "postgresql":
		return postgres.NewPostgresBackendFromDSN(databaseURL,
			postgres.WithApplyMigrations(false),
			postgres.WithConnectionPool(maxConns, maxConns, 0),
			postgres.WithBackendOptions(opts...),
		), nil
	case "mysql":
		return mysql.NewMysqlBackendFromDSN(rest,
			mysql.WithApplyMigrations(false),
			mysql.WithConnectionPool(maxConns, maxConns, 0),
			mysql.WithBackendOptions(opts...),
		), nil
	}

	return nil, fmt.Errorf("unsupported database %q", scheme)
}

// openQueue creates the job transport selected on the command line. Only pull transports
// return a queue.Queue, the push transport is write-only.
func openQueue(ctx context.Context, cmd *cli.Command, c clock.Clock) (queue.Enqueuer, io.Closer, error) {
	logger := slog.Default()

	switch t := cmd.String("queue"); t {
	case "memory":
		q := memory.New(c)
		return q, q, nil

	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cmd.String("redis-addr")},
			Password: cmd.String("redis-password"),
		})

		q, err := redisqueue.New(ctx, rdb, redisqueue.Options{Clock: c})
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("connecting to redis: %w", err), rdb.Close())
		}

		return q, closers{q, rdb}, nil

	case "kafka":
		q, err := watermill.NewKafka(cmd.StringSlice("kafka-brokers"), serviceName, logger, watermill.Options{Clock: c, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to kafka: %w", err)
		}

		return q, q, nil

	case "push":
		if cmd.String("push-url") == "" || cmd.String("public-url") == "" {
			return nil, nil, errors.New("push transport requires --push-url and --public-url")
		}

		base := strings.TrimSuffix(cmd.String("public-url"), "/")

		p := httppush.NewPublisher(httppush.PublisherOptions{
			URL:   cmd.String("push-url"),
			Token: cmd.String("push-token"),
			Destinations: map[string]string{
				queue.OrchestratorQueue: base + pushPath(queue.OrchestratorQueue),
				queue.TaskQueue:         base + pushPath(queue.TaskQueue),
			},
			Secret: cmd.String("queue-secret"),
			Client: http.DefaultClient,
			Clock:  c,
		})

		return p, closers{}, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue transport %q", t)
	}
}

func pushPath(queueName string) string {
	return "/queues/" + queueName
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}
