package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/pkg/api"
	"go.uber.org/zap"
)

// Class is the retry classification of a failed provider call.
type Class int

const (
	// ClassRetryable covers network failures, timeouts and transient 5xx.
	ClassRetryable Class = iota
	// ClassRateLimited backs off honoring the server hint when present.
	ClassRateLimited
	// ClassAuthRequired is never retried; re-auth is an external action.
	ClassAuthRequired
	// ClassFatal is surfaced immediately.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuthRequired:
		return "auth_required"
	default:
		return "fatal"
	}
}

// Classify maps an error from a provider client onto a retry class.
func Classify(err error) Class {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return ClassAuthRequired
	}

	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		return ClassRateLimited
	}

	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	var backendErr *domain.BackendError
	if errors.As(err, &backendErr) && backendErr.Retryable {
		return ClassRetryable
	}

	return ClassFatal
}

// RetryAfterHint extracts the server-provided backoff hint, if any.
func RetryAfterHint(err error) time.Duration {
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return 0
}

// Policy bounds the retry budget and shapes the backoff curve.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Delay computes the backoff before attempt n (0-based), without jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt) // base * 2^attempt
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Outcome reports how an Execute call ended, so the caller can transition the
// instance that served it.
type Outcome struct {
	Attempts int
	Class    Class
	// RetryAfter is the last server hint seen on a rate limited call.
	RetryAfter time.Duration
}

// Executor wraps provider calls in the retry/backoff policy.
type Executor struct {
	policy Policy
	logger *zap.Logger

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(policy Policy, logger *zap.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Executor{
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Op is one provider call attempt.
type Op func(ctx context.Context) (*api.ChatResponse, error)

// Execute runs op under the retry policy. Transient failures are resolved
// locally; the returned error is always terminal for this call. The Outcome is
// valid on both paths.
func (e *Executor) Execute(ctx context.Context, providerName string, op Op) (*api.ChatResponse, Outcome, error) {
	var lastErr error
	out := Outcome{}

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.policy.Delay(attempt - 1)
			if hint := RetryAfterHint(lastErr); hint > 0 {
				delay = hint
			}
			if e.policy.Jitter {
				delay += time.Duration(rand.Float64() * float64(delay) * 0.1)
			}

			e.logger.Debug("retrying provider call",
				zap.String("provider", providerName),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.String("class", out.Class.String()),
			)

			if err := e.sleep(ctx, delay); err != nil {
				return nil, out, &domain.RoutingError{
					Kind:     domain.KindTimeout,
					Provider: providerName,
					Message:  "request cancelled while backing off",
					Err:      lastErr,
				}
			}
		}

		out.Attempts = attempt + 1

		resp, err := op(ctx)
		if err == nil {
			return resp, out, nil
		}

		lastErr = err
		out.Class = Classify(err)
		out.RetryAfter = RetryAfterHint(err)

		switch out.Class {
		case ClassAuthRequired, ClassFatal:
			// not worth another attempt
			return nil, out, lastErr
		}

		e.logger.Warn("provider call failed",
			zap.String("provider", providerName),
			zap.Int("attempt", out.Attempts),
			zap.String("class", out.Class.String()),
			zap.Error(err),
		)
	}

	return nil, out, lastErr
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
