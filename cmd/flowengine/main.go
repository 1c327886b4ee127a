package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "flowengine",
		Usage:                 "Run and manage state machine workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL (sqlite://, postgres://, mysql://)",
				Value:   "sqlite://flowengine.db",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.IntFlag{
				Name:    "db-max-conns",
				Usage:   "Maximum open database connections, unlimited if 0",
				Sources: cli.EnvVars("DATABASE_MAX_CONNS"),
			},
			&cli.StringFlag{
				Name:    "queue",
				Usage:   "Job transport (memory, redis, kafka, push)",
				Value:   "redis",
				Sources: cli.EnvVars("QUEUE_TRANSPORT"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the redis transport",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers for the kafka transport",
				Value:   []string{"localhost:9092"},
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "push-url",
				Usage:   "Publish endpoint of the external scheduler for the push transport",
				Sources: cli.EnvVars("QUEUE_PUSH_URL"),
			},
			&cli.StringFlag{
				Name:    "push-token",
				Usage:   "Token for the external scheduler",
				Sources: cli.EnvVars("QUEUE_PUSH_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "public-url",
				Usage:   "Base URL the scheduler delivers pushed jobs to",
				Sources: cli.EnvVars("PUBLIC_URL"),
			},
			&cli.StringFlag{
				Name:    "queue-secret",
				Usage:   "Shared secret required on pushed jobs",
				Sources: cli.EnvVars("QUEUE_SECRET"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "trace-exporter",
				Usage:   "Trace exporter (none, stdout, otlp)",
				Value:   "none",
				Sources: cli.EnvVars("TRACE_EXPORTER"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd.String("log-level"), cmd.String("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			newWorkerCommand(),
			newMigrateCommand(),
			newPublishCommand(),
			newStartCommand(),
			newCompleteCommand(),
			newCancelCommand(),
			newListCommand(),
			newStatsCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
