package pool

import (
	"testing"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/retry"
	"github.com/stretchr/testify/assert"
)

func TestInstanceCheckoutLifecycle(t *testing.T) {
	inst := NewInstance("poe", nil, 1)
	assert.Equal(t, domain.StateInitializing, inst.State())

	// Not checkout-able until activated
	assert.False(t, inst.TryCheckout())

	inst.Activate()
	assert.Equal(t, domain.StateActive, inst.State())

	assert.True(t, inst.TryCheckout())
	assert.Equal(t, domain.StateBusy, inst.State())

	// Second checkout on a busy instance must fail
	assert.False(t, inst.TryCheckout())

	inst.CheckinSuccess()
	assert.Equal(t, domain.StateActive, inst.State())
	assert.Equal(t, 0, inst.ConsecutiveFailures())
}

func TestInstanceCheckinFailureClasses(t *testing.T) {
	tests := []struct {
		name  string
		class retry.Class
		want  domain.InstanceState
	}{
		{"auth failure parks the instance", retry.ClassAuthRequired, domain.StateAuthRequired},
		{"rate limit parks with cooldown", retry.ClassRateLimited, domain.StateRateLimited},
		{"backend failure marks error", retry.ClassRetryable, domain.StateError},
		{"fatal failure marks error", retry.ClassFatal, domain.StateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := NewInstance("poe", nil, 1)
			inst.Activate()
			assert.True(t, inst.TryCheckout())

			inst.CheckinFailure(tt.class, time.Minute)
			assert.Equal(t, tt.want, inst.State())
			assert.Equal(t, 1, inst.ConsecutiveFailures())
		})
	}
}

func TestInstanceFailureThresholdDemotesAfterRepeats(t *testing.T) {
	inst := NewInstance("poe", nil, 3)
	inst.Activate()

	// Below the threshold a failed call returns the instance to rotation
	for i := 0; i < 2; i++ {
		assert.True(t, inst.TryCheckout())
		inst.CheckinFailure(retry.ClassRetryable, 0)
		assert.Equal(t, domain.StateActive, inst.State())
	}
	assert.Equal(t, 2, inst.ConsecutiveFailures())

	assert.True(t, inst.TryCheckout())
	inst.CheckinFailure(retry.ClassRetryable, 0)
	assert.Equal(t, domain.StateError, inst.State())

	// A success after recovery resets the streak
	assert.True(t, inst.ProbeSuccess())
	assert.True(t, inst.TryCheckout())
	inst.CheckinSuccess()
	assert.Equal(t, 0, inst.ConsecutiveFailures())
}

func TestInstanceRateLimitExpiry(t *testing.T) {
	inst := NewInstance("poe", nil, 1)
	inst.Activate()
	assert.True(t, inst.TryCheckout())

	inst.CheckinFailure(retry.ClassRateLimited, 10*time.Millisecond)
	assert.Equal(t, domain.StateRateLimited, inst.State())
	assert.False(t, inst.TryCheckout())

	time.Sleep(20 * time.Millisecond)

	// Cooldown elapsed: the read promotes back to ACTIVE
	assert.Equal(t, domain.StateActive, inst.State())
	assert.True(t, inst.TryCheckout())
}

func TestInstanceProbeDemotionAndRecovery(t *testing.T) {
	inst := NewInstance("poe", nil, 1)
	inst.Activate()

	// Below threshold: still active
	inst.ProbeFailure()
	inst.ProbeFailure()
	assert.Equal(t, domain.StateActive, inst.State())

	inst.ProbeFailure()
	assert.Equal(t, domain.StateError, inst.State())

	assert.True(t, inst.ProbeSuccess())
	assert.Equal(t, domain.StateActive, inst.State())
	assert.Equal(t, 0, inst.ConsecutiveFailures())
}

func TestInstanceProbeSuccessDoesNotClearAuthRequired(t *testing.T) {
	inst := NewInstance("poe", nil, 1)
	inst.Activate()
	assert.True(t, inst.TryCheckout())
	inst.CheckinFailure(retry.ClassAuthRequired, 0)

	assert.False(t, inst.ProbeSuccess())
	assert.Equal(t, domain.StateAuthRequired, inst.State())
}

func TestInstanceRetireRules(t *testing.T) {
	inst := NewInstance("poe", nil, 1)
	inst.Activate()
	assert.True(t, inst.TryCheckout())

	// BUSY instances are never retired
	assert.False(t, inst.TryRetire())
	assert.False(t, inst.ForceRetire())

	inst.CheckinSuccess()
	assert.True(t, inst.TryRetire())
	assert.Equal(t, domain.StateInactive, inst.State())
}
