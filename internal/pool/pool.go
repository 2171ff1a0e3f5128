package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/metrics"
	"github.com/calyx-ai/switchboard/internal/provider"
	"github.com/calyx-ai/switchboard/internal/retry"
	"go.uber.org/zap"
)

var (
	// ErrExhausted means admission control refused the checkout.
	ErrExhausted = errors.New("pool exhausted: no active instance available")
	// ErrClosed means the pool is shutting down.
	ErrClosed = errors.New("pool closed")
)

// Factory builds one new client for the pool. Construction may be expensive
// (session login, browser startup); the pool only calls it off the hot path.
type Factory func(ctx context.Context) (provider.Client, error)

// Event is emitted on pool lifecycle changes for the analytics trail.
type Event struct {
	Provider string
	Action   string
	Detail   string
	At       time.Time
}

// Controller owns the ordered instance set for one pooled provider: round
// robin checkout/checkin, admission control and the autoscale loop. All
// mutations of the instance list and cursor are serialized through one
// mutex; backend calls never happen under it.
type Controller struct {
	providerName string
	factory      Factory
	settings     domain.PoolSettings
	min, max     int

	logger  *zap.Logger
	metrics *metrics.Metrics
	onEvent func(Event)

	mu          sync.Mutex
	instances   []*Instance
	cursor      int
	lastScaleAt time.Time
	closed      bool

	// checkinCh wakes one blocked checkout per checkin
	checkinCh chan struct{}

	initTimeout time.Duration
}

// Option tweaks controller construction.
type Option func(*Controller)

// WithEventRecorder wires lifecycle events into the analytics trail.
func WithEventRecorder(fn func(Event)) Option {
	return func(c *Controller) { c.onEvent = fn }
}

// WithMetrics wires prometheus gauges and counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func NewController(desc domain.ProviderDescriptor, settings domain.PoolSettings, factory Factory, logger *zap.Logger, opts ...Option) (*Controller, error) {
	if desc.MinSize < 0 || desc.MaxSize < 1 || desc.MinSize > desc.MaxSize {
		return nil, fmt.Errorf("pool %s: invalid bounds min=%d max=%d", desc.Name, desc.MinSize, desc.MaxSize)
	}
	if settings.ScaleDownThreshold >= settings.ScaleUpThreshold {
		return nil, fmt.Errorf("pool %s: scale_down_threshold must be below scale_up_threshold", desc.Name)
	}

	c := &Controller{
		providerName: desc.Name,
		factory:      factory,
		settings:     settings,
		min:          desc.MinSize,
		max:          desc.MaxSize,
		logger:       logger.With(zap.String("pool", desc.Name)),
		checkinCh:    make(chan struct{}, 1),
		initTimeout:  2 * time.Minute,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Start brings the pool up to its minimum size. Instances that fail to
// initialize fail the whole start; a provider that cannot reach min size is
// not registered.
func (c *Controller) Start(ctx context.Context) error {
	for i := 0; i < c.min; i++ {
		if _, err := c.addInstance(ctx); err != nil {
			c.Close()
			return fmt.Errorf("pool %s: initial fill failed: %w", c.providerName, err)
		}
	}
	c.updateGauges()
	c.logger.Info("pool started", zap.Int("size", c.min))
	return nil
}

// addInstance constructs, initializes and activates one instance. The
// INITIALIZING placeholder occupies a slot immediately so concurrent scale
// decisions see the true size; it is discarded if construction fails.
func (c *Controller) addInstance(ctx context.Context) (*Instance, error) {
	placeholder := NewInstance(c.providerName, nil, c.settings.FailureThreshold)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if len(c.instances) >= c.max {
		c.mu.Unlock()
		return nil, fmt.Errorf("pool %s: at max size", c.providerName)
	}
	c.instances = append(c.instances, placeholder)
	c.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	client, err := c.factory(initCtx)
	if err == nil {
		err = client.Initialize(initCtx)
		if err != nil {
			client.Cleanup()
		}
	}
	if err != nil {
		c.removeInstance(placeholder)
		c.emit("instance_init_failed", err.Error())
		return nil, err
	}

	placeholder.Client = client
	placeholder.Activate()
	c.emit("instance_added", placeholder.ID)
	c.updateGauges()
	return placeholder, nil
}

// spliceLocked removes the instance at idx and keeps the cursor in range.
// Callers hold c.mu.
func (c *Controller) spliceLocked(idx int) {
	c.instances = append(c.instances[:idx], c.instances[idx+1:]...)
	if idx < c.cursor {
		c.cursor--
	}
	if len(c.instances) > 0 {
		c.cursor %= len(c.instances)
	} else {
		c.cursor = 0
	}
}

// removeInstance splices an instance out of the list. Cleanup runs outside
// the lock.
func (c *Controller) removeInstance(target *Instance) {
	c.mu.Lock()
	idx := -1
	for i, inst := range c.instances {
		if inst == target {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return
	}
	c.spliceLocked(idx)
	c.mu.Unlock()

	if target.Client != nil {
		target.Client.Cleanup()
	}
	c.updateGauges()
}

// Checkout hands out the next ACTIVE instance, round robin from the cursor.
// Under fail-fast admission an exhausted pool errors immediately; under
// blocking admission the call waits, bounded by the acquire timeout, for the
// next checkin.
func (c *Controller) Checkout(ctx context.Context) (*Instance, error) {
	if inst := c.tryCheckout(); inst != nil {
		c.metrics.ObserveCheckout(c.providerName)
		c.updateGauges()
		return inst, nil
	}

	if c.settings.Admission != domain.AdmissionBlock {
		c.metrics.ObserveCheckoutFailure(c.providerName, "exhausted")
		return nil, ErrExhausted
	}

	timeout := c.settings.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			c.metrics.ObserveCheckoutFailure(c.providerName, "cancelled")
			return nil, ctx.Err()
		case <-deadline.C:
			c.metrics.ObserveCheckoutFailure(c.providerName, "exhausted")
			return nil, ErrExhausted
		case <-c.checkinCh:
			if inst := c.tryCheckout(); inst != nil {
				c.metrics.ObserveCheckout(c.providerName)
				c.updateGauges()
				return inst, nil
			}
		}
	}
}

func (c *Controller) tryCheckout() *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	n := len(c.instances)
	for i := 0; i < n; i++ {
		idx := (c.cursor + i) % n
		if c.instances[idx].TryCheckout() {
			c.cursor = (idx + 1) % n
			return c.instances[idx]
		}
	}
	return nil
}

// Checkin releases an instance after a call. It runs on every exit path of
// the caller, success or not, so a checked-out instance can never leak.
func (c *Controller) Checkin(inst *Instance, callErr error) {
	if callErr == nil {
		inst.CheckinSuccess()
	} else {
		class := retry.Classify(callErr)
		inst.CheckinFailure(class, retry.RetryAfterHint(callErr))
		c.emit("instance_failed", fmt.Sprintf("%s: %s", inst.ID, class))
	}

	select {
	case c.checkinCh <- struct{}{}:
	default:
	}
	c.updateGauges()
}

// Status snapshots the pool for the admin API.
func (c *Controller) Status() domain.PoolStatus {
	c.mu.Lock()
	instances := make([]*Instance, len(c.instances))
	copy(instances, c.instances)
	c.mu.Unlock()

	status := domain.PoolStatus{
		Provider: c.providerName,
		Size:     len(instances),
		States:   make(map[domain.InstanceState]int),
	}
	for _, inst := range instances {
		st := inst.State()
		status.States[st]++
		if st == domain.StateBusy {
			status.BusyCount++
		}
	}
	return status
}

// Size reports the current instance count, including initializing slots.
func (c *Controller) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// Close drains the pool. BUSY instances are left to finish; their checkin
// after close is harmless. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	instances := make([]*Instance, len(c.instances))
	copy(instances, c.instances)
	c.instances = nil
	c.cursor = 0
	c.mu.Unlock()

	for _, inst := range instances {
		if inst.ForceRetire() && inst.Client != nil {
			inst.Client.Cleanup()
		}
	}
	c.emit("pool_closed", "")
	c.updateGauges()
}

func (c *Controller) emit(action, detail string) {
	if c.onEvent == nil {
		return
	}
	c.onEvent(Event{
		Provider: c.providerName,
		Action:   action,
		Detail:   detail,
		At:       time.Now(),
	})
}

func (c *Controller) updateGauges() {
	if c.metrics == nil {
		return
	}
	s := c.Status()
	c.metrics.SetPoolGauges(c.providerName, s.Size, s.BusyCount)
}
