package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
	"github.com/doravidan/vibing2-sub003/pkg/types"
)

// RetryConfig controls retries of rate-limited invocations.
type RetryConfig struct {
	// MaxRetries is the default number of retries after a rate-limited call.
	MaxRetries int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig disables retries and sets the backoff used once they
// are enabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

func (c RetryConfig) backoff(retry int) time.Duration {
	d := float64(c.BackoffBase)
	for i := 1; i < retry; i++ {
		d *= c.BackoffMultiplier
	}
	if c.MaxBackoff > 0 && time.Duration(d) > c.MaxBackoff {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// GuardConfig configures Guard.
type GuardConfig struct {
	// Directory validates agent names and supplies their profile. Optional.
	Directory Directory
	// Limiter throttles outgoing calls. Optional.
	Limiter *rate.Limiter
	Retry   RetryConfig
	Logger  *slog.Logger
}

// Guard wraps an Invoker with agent validation, the per-call timeout,
// client-side throttling, bounded retries of rate-limited calls and error
// classification. Every error it returns is an *Error.
type Guard struct {
	next    Invoker
	dir     Directory
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGuard wraps next.
func NewGuard(next Invoker, cfg GuardConfig) *Guard {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.BackoffBase == 0 {
		def := DefaultRetryConfig()
		retry.BackoffBase = def.BackoffBase
		retry.BackoffMultiplier = def.BackoffMultiplier
		retry.MaxBackoff = def.MaxBackoff
	}
	if retry.BackoffMultiplier < 1 {
		retry.BackoffMultiplier = 1
	}
	return &Guard{
		next:    next,
		dir:     cfg.Directory,
		limiter: cfg.Limiter,
		retry:   retry,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke performs the call. The per-call timeout covers all attempts.
func (g *Guard) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Agent == "" {
		return nil, NewError(types.ErrorKindInvalidAgent, req.Agent, "agent name is required", nil)
	}
	if g.dir != nil {
		profile, err := g.dir.Resolve(ctx, req.Agent)
		if err != nil {
			ie := Classify(req.Agent, err)
			g.observe(req.Agent, ie.Kind, 0, nil)
			return nil, ie
		}
		if req.SystemPrompt == "" {
			req.SystemPrompt = profile.SystemPrompt
		}
		if req.Model == "" {
			req.Model = profile.Model
		}
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	maxRetries := g.retry.MaxRetries
	if req.RateLimitRetries != nil {
		maxRetries = max(*req.RateLimitRetries, 0)
	}

	start := time.Now()
	attempts := 0
	for {
		attempts++
		resp, err := g.attempt(callCtx, req)
		if err == nil {
			resp.Attempts = attempts
			if resp.Duration == 0 {
				resp.Duration = time.Since(start)
			}
			g.observe(req.Agent, "", time.Since(start), resp)
			return resp, nil
		}

		ie := g.classify(ctx, callCtx, req, err)
		if ie.Kind != types.ErrorKindRateLimited || attempts > maxRetries {
			g.observe(req.Agent, ie.Kind, time.Since(start), nil)
			return nil, ie
		}

		wait := g.retry.backoff(attempts)
		g.logger.Warn("agent rate limited, backing off",
			slog.String("agent", req.Agent),
			slog.String("task_id", req.TaskID),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
		)
		metrics.AgentRetries.WithLabelValues(req.Agent).Inc()
		if err := g.sleep(callCtx, wait); err != nil {
			ie := g.classify(ctx, callCtx, req, err)
			g.observe(req.Agent, ie.Kind, time.Since(start), nil)
			return nil, ie
		}
	}
}

func (g *Guard) attempt(ctx context.Context, req Request) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				return nil, NewError(types.ErrorKindTimeout, req.Agent, "throttled past the call deadline", err)
			}
			return nil, err
		}
	}
	return g.next.Invoke(ctx, req)
}

// classify maps err to a kind, distinguishing the per-call timeout from
// cancellation of the caller's context.
func (g *Guard) classify(parent, callCtx context.Context, req Request, err error) *Error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return NewError(types.ErrorKindCancelled, req.Agent, "workflow cancelled", err)
	case parent.Err() != nil:
		return NewError(types.ErrorKindTimeout, req.Agent, "workflow deadline exceeded", err)
	case callCtx.Err() != nil:
		return NewError(types.ErrorKindTimeout, req.Agent, fmt.Sprintf("no response within %s", req.Timeout), err)
	}
	return Classify(req.Agent, err)
}

func (g *Guard) observe(agent string, kind types.ErrorKind, d time.Duration, resp *Response) {
	outcome := "success"
	if kind != "" {
		outcome = string(kind)
	}
	metrics.AgentInvocations.WithLabelValues(agent, outcome).Inc()
	if d > 0 {
		metrics.AgentInvocationDuration.WithLabelValues(agent).Observe(d.Seconds())
	}
	if resp != nil {
		metrics.AgentTokens.WithLabelValues(agent, "input").Add(float64(resp.InputTokens))
		metrics.AgentTokens.WithLabelValues(agent, "output").Add(float64(resp.OutputTokens))
	}
}
