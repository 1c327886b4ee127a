package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tallybook/flowengine/backend"
	"github.com/tallybook/flowengine/metrics"
	prommetrics "github.com/tallybook/flowengine/metrics/prometheus"
	"github.com/tallybook/flowengine/ports"
	"github.com/tallybook/flowengine/ports/httpclient"
	"github.com/tallybook/flowengine/ports/openai"
	"github.com/tallybook/flowengine/ports/smtp"
	"github.com/tallybook/flowengine/queue"
	"github.com/tallybook/flowengine/queue/httppush"
	"github.com/tallybook/flowengine/sweeper"
	"github.com/tallybook/flowengine/worker"
	"github.com/urfave/cli/v3"
)

func newWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:    "worker",
		Aliases: []string{"w"},
		Usage:   "Run the orchestrator and task runner",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Worker identity used for task locks (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "Address of the HTTP server for metrics and pushed jobs, empty disables it",
				Value:   ":8080",
				Sources: cli.EnvVars("LISTEN_ADDR"),
			},
			&cli.IntFlag{
				Name:    "task-concurrency",
				Usage:   "Maximum number of tasks executed in parallel",
				Value:   worker.DefaultOptions.MaxParallelTasks,
				Sources: cli.EnvVars("TASK_CONCURRENCY"),
			},
			&cli.IntFlag{
				Name:    "orchestrator-concurrency",
				Usage:   "Maximum number of orchestrator jobs processed in parallel",
				Value:   worker.DefaultOptions.MaxParallelOrchestratorJobs,
				Sources: cli.EnvVars("ORCHESTRATOR_CONCURRENCY"),
			},
			&cli.IntFlag{
				Name:    "orchestrator-attempts",
				Usage:   "Deliveries of an orchestrator job before it is dropped",
				Value:   queue.DefaultOrchestratorAttempts,
				Sources: cli.EnvVars("ORCHESTRATOR_JOB_ATTEMPTS"),
			},
			&cli.DurationFlag{
				Name:    "lock-timeout",
				Usage:   "Time after which a running task is considered abandoned",
				Value:   backend.DefaultOptions.LockTimeout,
				Sources: cli.EnvVars("TASK_LOCK_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule of the task sweeper, empty disables it",
				Value:   sweeper.DefaultOptions.Schedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "openai-api-key",
				Usage:   "API key for AI tasks",
				Sources: cli.EnvVars("OPENAI_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "openai-base-url",
				Usage:   "Base URL of an OpenAI compatible API",
				Sources: cli.EnvVars("OPENAI_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "openai-model",
				Usage:   "Model for AI tasks",
				Value:   openai.DefaultModel,
				Sources: cli.EnvVars("OPENAI_MODEL"),
			},
			&cli.StringFlag{
				Name:    "smtp-addr",
				Usage:   "SMTP relay (host:port) for email tasks",
				Sources: cli.EnvVars("SMTP_ADDR"),
			},
			&cli.StringFlag{
				Name:    "smtp-username",
				Sources: cli.EnvVars("SMTP_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "smtp-password",
				Sources: cli.EnvVars("SMTP_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "smtp-from",
				Usage:   "Default sender of email tasks",
				Sources: cli.EnvVars("SMTP_FROM"),
			},
		},
		Action: runWorker,
	}
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	tp, err := newTracerProvider(ctx, cmd.String("trace-exporter"))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		sctx, cancel := shutdownContext()
		defer cancel()

		if err := tp.Shutdown(sctx); err != nil {
			slog.Error("could not shut down tracer provider", "error", err)
		}
	}()

	workerID := cmd.String("worker-id")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}

	logger := slog.Default().With("worker_id", workerID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := prommetrics.New(reg)

	c := clock.New()

	b, err := openBackend(cmd.String("database-url"), int(cmd.Int("db-max-conns")),
		backend.WithLogger(logger),
		backend.WithMetrics(m),
		backend.WithTracerProvider(tp),
		backend.WithClock(c),
		backend.WithWorkerName(workerID),
		backend.WithLockTimeout(cmd.Duration("lock-timeout")),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	q, closer, err := openQueue(ctx, cmd, c)
	if err != nil {
		return err
	}
	defer closer.Close()

	options := worker.DefaultOptions
	options.MaxParallelTasks = int(cmd.Int("task-concurrency"))
	options.MaxParallelOrchestratorJobs = int(cmd.Int("orchestrator-concurrency"))
	options.OrchestratorJobAttempts = int(cmd.Int("orchestrator-attempts"))
	options.Ports = newPorts(cmd, c)

	if schedule := cmd.String("sweep-schedule"); schedule != "" {
		so := sweeper.DefaultOptions
		so.Schedule = schedule
		options.Sweeper = &so
	} else {
		options.Sweeper = nil
	}

	w := worker.New(b, q, &options)

	var e *echo.Echo
	if addr := cmd.String("listen"); addr != "" {
		e, err = newServer(cmd, w, logger, m, reg)
		if err != nil {
			return err
		}

		go func() {
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server stopped", "error", err)
			}
		}()
	} else if cmd.String("queue") == "push" {
		return errors.New("push transport requires --listen")
	}

	if err := w.Start(ctx); err != nil {
		return err
	}

	logger.Info("worker started", "queue", cmd.String("queue"))

	<-ctx.Done()

	logger.Info("shutting down worker")

	if e != nil {
		sctx, cancel := shutdownContext()
		defer cancel()

		if err := e.Shutdown(sctx); err != nil {
			logger.Error("could not shut down http server", "error", err)
		}
	}

	return w.WaitForCompletion()
}

func newServer(cmd *cli.Command, w *worker.Worker, logger *slog.Logger, m metrics.Client, reg *prometheus.Registry) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	if cmd.String("queue") == "push" {
		r := httppush.NewReceiver(httppush.ReceiverOptions{
			Secret:  cmd.String("queue-secret"),
			Logger:  logger,
			Metrics: m,
		})

		for _, name := range []string{queue.OrchestratorQueue, queue.TaskQueue} {
			h, err := w.Handler(name)
			if err != nil {
				return nil, err
			}

			r.Register(e, pushPath(name), name, h)
		}
	}

	return e, nil
}

func newPorts(cmd *cli.Command, c clock.Clock) *ports.Ports {
	p := &ports.Ports{
		Clock: c,
		HTTP:  httpclient.New(&http.Client{Timeout: 30 * time.Second}),
	}

	if key := cmd.String("openai-api-key"); key != "" {
		p.LLM = openai.New(openai.Options{
			APIKey:  key,
			BaseURL: cmd.String("openai-base-url"),
			Model:   cmd.String("openai-model"),
		})
	}

	if addr := cmd.String("smtp-addr"); addr != "" {
		p.Email = smtp.New(smtp.Options{
			Addr:     addr,
			Username: cmd.String("smtp-username"),
			Password: cmd.String("smtp-password"),
			From:     cmd.String("smtp-from"),
			Clock:    c,
		})
	}

	return p
}
