package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"auth error", &domain.AuthError{Provider: "poe"}, ClassAuthRequired},
		{"rate limit", &domain.RateLimitError{Provider: "poe", RetryAfter: time.Minute}, ClassRateLimited},
		{"timeout", &domain.TimeoutError{Provider: "poe", Timeout: time.Second}, ClassRetryable},
		{"context deadline", context.DeadlineExceeded, ClassRetryable},
		{"retryable backend", &domain.BackendError{Provider: "poe", StatusCode: 503, Retryable: true}, ClassRetryable},
		{"non-retryable backend", &domain.BackendError{Provider: "poe", StatusCode: 400}, ClassFatal},
		{"plain error", errors.New("unexpected"), ClassFatal},
		{"wrapped auth error", &domain.BackendError{
			Provider: "poe", StatusCode: 500, Retryable: false,
			Cause: &domain.AuthError{Provider: "poe"},
		}, ClassAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 500*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(40)) // shift overflow caps too
}

func newTestExecutor(policy Policy) (*Executor, *[]time.Duration) {
	e := NewExecutor(policy, zap.NewNop())
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestExecuteStopsAtMaxAttempts(t *testing.T) {
	e, slept := newTestExecutor(Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})

	calls := 0
	_, out, err := e.Execute(context.Background(), "poe", func(ctx context.Context) (*api.ChatResponse, error) {
		calls++
		return nil, &domain.BackendError{Provider: "poe", StatusCode: 502, Retryable: true}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, ClassRetryable, out.Class)
	assert.Len(t, *slept, 2)
}

func TestExecuteBackoffIsMonotonic(t *testing.T) {
	e, slept := newTestExecutor(Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute})

	_, _, err := e.Execute(context.Background(), "poe", func(ctx context.Context) (*api.ChatResponse, error) {
		return nil, &domain.TimeoutError{Provider: "poe", Timeout: time.Second}
	})
	require.Error(t, err)

	require.Len(t, *slept, 3)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, *slept)
}

func TestExecuteHonorsRetryAfterHint(t *testing.T) {
	e, slept := newTestExecutor(Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Minute})

	_, out, err := e.Execute(context.Background(), "poe", func(ctx context.Context) (*api.ChatResponse, error) {
		return nil, &domain.RateLimitError{Provider: "poe", RetryAfter: 7 * time.Second}
	})
	require.Error(t, err)

	assert.Equal(t, ClassRateLimited, out.Class)
	assert.Equal(t, 7*time.Second, out.RetryAfter)
	require.Len(t, *slept, 1)
	assert.Equal(t, 7*time.Second, (*slept)[0]) // hint overrides the backoff curve
}

func TestExecuteAuthErrorNeverRetries(t *testing.T) {
	e, slept := newTestExecutor(Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Minute})

	calls := 0
	_, out, err := e.Execute(context.Background(), "poe", func(ctx context.Context) (*api.ChatResponse, error) {
		calls++
		return nil, &domain.AuthError{Provider: "poe", Message: "token revoked"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassAuthRequired, out.Class)
	assert.Empty(t, *slept)
}

func TestExecuteFatalSurfacesImmediately(t *testing.T) {
	e, _ := newTestExecutor(Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Minute})

	boom := errors.New("malformed request")
	calls := 0
	_, out, err := e.Execute(context.Background(), "poe", func(ctx context.Context) (*api.ChatResponse, error) {
		calls++
		return nil, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassFatal, out.Class)
}

func TestExecuteSucceedsAfterTransientFailure(t *testing.T) {
	e, _ := newTestExecutor(Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Minute})

	calls := 0
	resp, out, err := e.Execute(context.Background(), "poe", func(ctx context.Context) (*api.ChatResponse, error) {
		calls++
		if calls < 2 {
			return nil, &domain.BackendError{Provider: "poe", StatusCode: 500, Retryable: true}
		}
		return &api.ChatResponse{ID: "resp-1"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, 2, out.Attempts)
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Minute}, zap.NewNop())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	_, _, err := e.Execute(context.Background(), "poe", func(ctx context.Context) (*api.ChatResponse, error) {
		return nil, &domain.TimeoutError{Provider: "poe", Timeout: time.Second}
	})

	var routingErr *domain.RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, domain.KindTimeout, routingErr.Kind)
}
