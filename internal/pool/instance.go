package pool

import (
	"sync"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/provider"
	"github.com/calyx-ai/switchboard/internal/retry"
	"github.com/google/uuid"
)

// defaultRateLimitCooldown applies when the backend throttles us without a
// Retry-After hint.
const defaultRateLimitCooldown = 30 * time.Second

// Instance is one live provider client plus its state machine. State fields
// are guarded by the instance's own mutex; the slice holding instances is
// guarded by the pool's. Instance locks never reach back into the pool, so
// the order pool → instance is safe.
type Instance struct {
	ID       string
	Provider string
	Client   provider.Client

	CreatedAt time.Time

	failureThreshold int

	mu                  sync.Mutex
	state               domain.InstanceState
	consecutiveFailures int
	probeFailures       int
	rateLimitedUntil    time.Time
	lastUsedAt          time.Time
}

// NewInstance builds an instance in INITIALIZING. failureThreshold is the
// number of consecutive live-traffic failures that demote it to ERROR;
// anything below 1 demotes on the first failure.
func NewInstance(providerName string, client provider.Client, failureThreshold int) *Instance {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Instance{
		ID:               uuid.NewString(),
		Provider:         providerName,
		Client:           client,
		CreatedAt:        time.Now(),
		failureThreshold: failureThreshold,
		state:            domain.StateInitializing,
	}
}

// State returns the current state, promoting RATE_LIMITED instances whose
// server-dictated cooldown has elapsed.
func (i *Instance) State() domain.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.promoteRateLimitedLocked(time.Now())
	return i.state
}

func (i *Instance) promoteRateLimitedLocked(now time.Time) {
	if i.state == domain.StateRateLimited && now.After(i.rateLimitedUntil) {
		i.state = domain.StateActive
	}
}

// Activate marks an initialized instance eligible for checkout.
func (i *Instance) Activate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = domain.StateActive
	i.consecutiveFailures = 0
	i.probeFailures = 0
}

// TryCheckout atomically claims an ACTIVE instance for exclusive use.
func (i *Instance) TryCheckout() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	i.promoteRateLimitedLocked(now)

	if i.state != domain.StateActive {
		return false
	}
	i.state = domain.StateBusy
	i.lastUsedAt = now
	return true
}

// CheckinSuccess returns a BUSY instance to ACTIVE.
func (i *Instance) CheckinSuccess() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = domain.StateActive
	i.consecutiveFailures = 0
	i.probeFailures = 0
	i.lastUsedAt = time.Now()
}

// CheckinFailure transitions a BUSY instance according to the failure class.
// Auth and rate-limit conditions park the instance immediately; other
// failures demote to ERROR only once consecutive failures reach the
// configured threshold, so a single flake does not take the instance out of
// rotation. RetryAfter only matters for rate limited failures.
func (i *Instance) CheckinFailure(class retry.Class, retryAfter time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.consecutiveFailures++

	switch class {
	case retry.ClassAuthRequired:
		i.state = domain.StateAuthRequired
	case retry.ClassRateLimited:
		if retryAfter <= 0 {
			retryAfter = defaultRateLimitCooldown
		}
		i.state = domain.StateRateLimited
		i.rateLimitedUntil = time.Now().Add(retryAfter)
	default:
		if i.consecutiveFailures >= i.failureThreshold {
			i.state = domain.StateError
		} else {
			i.state = domain.StateActive
		}
	}
}

// probeFailureThreshold is the number of consecutive failed health checks
// that demote an ACTIVE instance.
const probeFailureThreshold = 3

// ProbeFailure records a failed health check.
func (i *Instance) ProbeFailure() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.probeFailures++
	if i.state == domain.StateActive && i.probeFailures >= probeFailureThreshold {
		i.state = domain.StateError
	}
}

// ProbeSuccess records a passing health check and reports whether the
// instance recovered from ERROR. AUTH_REQUIRED is sticky: it clears only
// when the provider is re-registered after external re-authentication.
func (i *Instance) ProbeSuccess() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.probeFailures = 0
	if i.state == domain.StateError {
		i.state = domain.StateActive
		i.consecutiveFailures = 0
		return true
	}
	return false
}

// TryRetire claims an ACTIVE instance for removal. BUSY instances are never
// retired; callers retry on the next autoscale pass.
func (i *Instance) TryRetire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != domain.StateActive {
		return false
	}
	i.state = domain.StateInactive
	return true
}

// ForceRetire tears the instance out regardless of its non-BUSY state, used
// when replacing failed instances.
func (i *Instance) ForceRetire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == domain.StateBusy {
		return false
	}
	i.state = domain.StateInactive
	return true
}

// ConsecutiveFailures reports live-traffic failures since the last success.
func (i *Instance) ConsecutiveFailures() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.consecutiveFailures
}

// LastUsedAt reports when the instance last served a request.
func (i *Instance) LastUsedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsedAt
}
