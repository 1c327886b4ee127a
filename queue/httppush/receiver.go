package httppush

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/moogar0880/problems"
	"github.com/tallybook/flowengine/internal/metrickeys"
	"github.com/tallybook/flowengine/log"
	"github.com/tallybook/flowengine/metrics"
	"github.com/tallybook/flowengine/queue"
)

type ReceiverOptions struct {
	// Secret is required in the secret header of every request. Empty disables the check.
	Secret string

	Logger  *slog.Logger
	Metrics metrics.Client
	Clock   clock.Clock
}

// Receiver turns scheduler deliveries into jobs.
type Receiver struct {
	options  ReceiverOptions
	validate *validator.Validate
}

func NewReceiver(options ReceiverOptions) *Receiver {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = metrics.NewNoopClient()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &Receiver{
		options:  options,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register routes deliveries posted to path to the handler of the queue.
func (r *Receiver) Register(e *echo.Echo, path, queueName string, h queue.Handler) {
	e.POST(path, r.Handler(queueName, h))
}

func (r *Receiver) Handler(queueName string, h queue.Handler) echo.HandlerFunc {
	return func(c echo.Context) error {
		if r.options.Secret != "" {
			secret := c.Request().Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(secret), []byte(r.options.Secret)) != 1 {
				return problem(c, http.StatusForbidden, "forbidden", "missing or invalid queue secret")
			}
		}

		job, err := r.decode(c, queueName)
		if err != nil {
			return problem(c, http.StatusBadRequest, "validation_error", err.Error())
		}

		ctx := c.Request().Context()
		logger := r.options.Logger.With(
			log.QueueKey, queueName,
			log.JobIDKey, job.ID,
			log.AttemptKey, job.AttemptsMade+1,
		)

		// The scheduler does not deliver again after the last attempt, so running it once more
		// cannot change the outcome
		if job.MaxAttempts > 0 && job.AttemptsMade >= job.MaxAttempts {
			logger.WarnContext(ctx, "dropping job with exhausted attempts")
			r.options.Metrics.Counter(metrickeys.JobDropped, metrics.Tags{
				metrickeys.Queue:  queueName,
				metrickeys.Reason: "attempts_exhausted",
			}, 1)

			return c.NoContent(http.StatusNoContent)
		}

		if err := h(ctx, job); err != nil {
			if errors.Is(err, queue.ErrInvalidJob) {
				logger.ErrorContext(ctx, "dropping invalid job", "error", err)
				r.options.Metrics.Counter(metrickeys.JobDropped, metrics.Tags{
					metrickeys.Queue:  queueName,
					metrickeys.Reason: "invalid",
				}, 1)

				return c.NoContent(http.StatusNoContent)
			}

			logger.ErrorContext(ctx, "processing pushed job", "error", err)

			if job.MaxAttempts > 0 && job.AttemptsMade+1 < job.MaxAttempts {
				r.options.Metrics.Counter(metrickeys.JobRetried, metrics.Tags{metrickeys.Queue: queueName}, 1)
			}

			return problem(c, http.StatusInternalServerError, "internal_error", err.Error())
		}

		return c.NoContent(http.StatusNoContent)
	}
}

func (r *Receiver) decode(c echo.Context, queueName string) (*queue.Job, error) {
	var env Envelope

	dec := json.NewDecoder(c.Request().Body)
	if err := dec.Decode(&env); err != nil {
		return nil, errors.New("malformed job envelope")
	}

	if err := r.validate.Struct(&env); err != nil {
		return nil, err
	}

	if d := bytes.TrimSpace(env.Data); len(d) == 0 || bytes.Equal(d, []byte("null")) {
		return nil, errors.New("job envelope has no data")
	}

	var attempts int
	if v := c.Request().Header.Get(retriedHeader); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, errors.New("invalid retry count")
		}

		attempts = n
	}

	timestamp := r.options.Clock.Now()
	if env.EnqueuedAt > 0 {
		timestamp = time.UnixMilli(env.EnqueuedAt).UTC()
	}

	return &queue.Job{
		ID:           env.JobID,
		Queue:        queueName,
		Timestamp:    timestamp,
		Data:         env.Data,
		AttemptsMade: attempts,
		MaxAttempts:  env.MaxAttempts,
		Trace:        env.Trace,
	}, nil
}

func problem(c echo.Context, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Request().URL.Path).
		WithType(problemType).
		WithDetail(detail)

	return c.JSON(status, p)
}
