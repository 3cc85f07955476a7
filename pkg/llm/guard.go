package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/malbeclabs/insights/pkg/metrics"
)

const (
	defaultMaxConcurrent  = 4
	defaultQueueWait      = 5 * time.Second
	defaultCallTimeout    = 30 * time.Second
	defaultMaxRetries     = 2
	defaultInitialBackoff = 250 * time.Millisecond
)

type GuardConfig struct {
	Logger *slog.Logger
	Client Client

	// MaxConcurrent caps outstanding calls across the process.
	MaxConcurrent int64

	// QueueWait bounds how long a call waits for a slot before ErrBusy.
	QueueWait time.Duration

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after a transient
	// failure.
	MaxRetries int

	InitialBackoff time.Duration
}

func (c *GuardConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		return errors.New("client is required")
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.QueueWait <= 0 {
		c.QueueWait = defaultQueueWait
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultCallTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	return nil
}

// Guard wraps a Client with a process-wide concurrency cap, a bounded queue
// wait, per-attempt timeouts and retry of transient failures.
type Guard struct {
	log *slog.Logger
	cfg GuardConfig
	sem *semaphore.Weighted
}

func NewGuard(cfg GuardConfig) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Guard{
		log: cfg.Logger,
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
	}, nil
}

func (g *Guard) Complete(ctx context.Context, req Request) (Completion, error) {
	attempt := 0
	op := func() (Completion, error) {
		attempt++
		if err := g.acquire(ctx); err != nil {
			return Completion{}, backoff.Permanent(err)
		}
		defer g.release()

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		c, err := g.cfg.Client.Complete(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Completion{}, backoff.Permanent(ctx.Err())
			}
			if !Retryable(err) {
				return Completion{}, backoff.Permanent(err)
			}
			return Completion{}, err
		}
		metrics.LLMTokensTotal.WithLabelValues(req.Purpose, "input").Add(float64(c.Usage.InputTokens))
		metrics.LLMTokensTotal.WithLabelValues(req.Purpose, "output").Add(float64(c.Usage.OutputTokens))
		return c, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	c, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			g.log.Warn("llm: transient failure, retrying", "purpose", req.Purpose, "attempt", attempt, "backoff", d, "error", err)
		}),
	)
	switch {
	case err == nil:
		metrics.LLMCallsTotal.WithLabelValues(req.Purpose, "ok").Inc()
		return c, nil
	case errors.Is(err, ErrBusy):
		metrics.LLMCallsTotal.WithLabelValues(req.Purpose, "busy").Inc()
		return Completion{}, ErrBusy
	case ctx.Err() != nil:
		metrics.LLMCallsTotal.WithLabelValues(req.Purpose, "cancelled").Inc()
		return Completion{}, ctx.Err()
	default:
		metrics.LLMCallsTotal.WithLabelValues(req.Purpose, "error").Inc()
		return Completion{}, fmt.Errorf("%w after %d attempt(s): %w", ErrUnavailable, attempt, err)
	}
}

func (g *Guard) acquire(ctx context.Context) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.QueueWait)
	defer cancel()
	err := g.sem.Acquire(waitCtx, 1)
	metrics.LLMQueueWait.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.LLMBusyTotal.Inc()
		g.log.Warn("llm: no slot within queue wait", "wait", g.cfg.QueueWait, "max_concurrent", g.cfg.MaxConcurrent)
		return ErrBusy
	}
	metrics.LLMInflight.Inc()
	return nil
}

func (g *Guard) release() {
	metrics.LLMInflight.Dec()
	g.sem.Release(1)
}
