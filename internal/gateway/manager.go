package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calyx-ai/switchboard/internal/analytics"
	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/metrics"
	"github.com/calyx-ai/switchboard/internal/pool"
	"github.com/calyx-ai/switchboard/internal/provider"
	"github.com/calyx-ai/switchboard/internal/store/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderDisabled = errors.New("provider disabled")
)

// entry is one registered provider: its immutable descriptor plus the live
// runtime behind it. API based providers hold a single shared instance;
// pooled providers hold a controller.
type entry struct {
	desc     domain.ProviderDescriptor
	enabled  bool
	instance *pool.Instance   // KindAPIBased
	pool     *pool.Controller // KindPooled
}

// Manager owns the provider catalog: registration, lifecycle, pool
// controllers and the mutable routing policy. It is injected into the router
// and the admin handlers; nothing in the package is process-global.
type Manager struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	ingestor     analytics.Ingestor
	poolSettings domain.PoolSettings

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order, drives fallback scanning
	routing domain.RoutingConfig

	scaleCtx    context.Context
	scaleCancel context.CancelFunc
}

type ManagerOption func(*Manager)

func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

func WithIngestor(i analytics.Ingestor) ManagerOption {
	return func(mgr *Manager) { mgr.ingestor = i }
}

func NewManager(logger *zap.Logger, settings domain.PoolSettings, routing domain.RoutingConfig, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:       logger,
		poolSettings: settings,
		entries:      make(map[string]*entry),
		routing:      routing,
		scaleCtx:     ctx,
		scaleCancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a provider and brings its runtime up. Registering an existing
// name replaces it: the old runtime is torn down first, which is also how an
// AUTH_REQUIRED provider returns to service after re-authentication.
func (m *Manager) Register(ctx context.Context, desc domain.ProviderDescriptor) error {
	if desc.Name == "" {
		return errors.New("provider name required")
	}

	m.mu.Lock()
	if old, exists := m.entries[desc.Name]; exists {
		m.teardownLocked(old)
		delete(m.entries, desc.Name)
	} else {
		m.order = append(m.order, desc.Name)
	}
	m.mu.Unlock()

	e := &entry{desc: desc, enabled: desc.Enabled}

	switch desc.Kind {
	case domain.KindAPIBased:
		client, err := provider.New(desc)
		if err != nil {
			m.dropFromOrder(desc.Name)
			return fmt.Errorf("provider %s: %w", desc.Name, err)
		}
		inst := pool.NewInstance(desc.Name, client, m.poolSettings.FailureThreshold)
		if err := client.Initialize(ctx); err != nil {
			client.Cleanup()
			m.dropFromOrder(desc.Name)
			return fmt.Errorf("provider %s: initialize: %w", desc.Name, err)
		}
		inst.Activate()
		e.instance = inst

	case domain.KindPooled:
		ctrl, err := pool.NewController(desc, m.poolSettings,
			func(ctx context.Context) (provider.Client, error) { return provider.New(desc) },
			m.logger,
			pool.WithMetrics(m.metrics),
			pool.WithEventRecorder(m.recordPoolEvent),
		)
		if err != nil {
			m.dropFromOrder(desc.Name)
			return err
		}
		if err := ctrl.Start(ctx); err != nil {
			m.dropFromOrder(desc.Name)
			return err
		}
		go ctrl.RunAutoscaler(m.scaleCtx)
		e.pool = ctrl

	default:
		m.dropFromOrder(desc.Name)
		return fmt.Errorf("provider %s: unknown kind %q", desc.Name, desc.Kind)
	}

	m.mu.Lock()
	m.entries[desc.Name] = e
	m.mu.Unlock()

	m.logger.Info("provider registered",
		zap.String("provider", desc.Name),
		zap.String("kind", string(desc.Kind)))
	return nil
}

func (m *Manager) dropFromOrder(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[name]; exists {
		return
	}
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// teardownLocked stops a provider runtime. Callers hold m.mu.
func (m *Manager) teardownLocked(e *entry) {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.instance != nil && e.instance.Client != nil {
		e.instance.ForceRetire()
		e.instance.Client.Cleanup()
	}
}

// Deregister removes a provider outright.
func (m *Manager) Deregister(name string) error {
	m.mu.Lock()
	e, exists := m.entries[name]
	if !exists {
		m.mu.Unlock()
		return ErrProviderNotFound
	}
	m.teardownLocked(e)
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("provider deregistered", zap.String("provider", name))
	return nil
}

// ToggleProvider flips a provider in or out of routing without tearing down
// its runtime.
func (m *Manager) ToggleProvider(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[name]
	if !exists {
		return ErrProviderNotFound
	}
	e.enabled = enabled
	return nil
}

// Routing returns the current routing policy.
func (m *Manager) Routing() domain.RoutingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routing
}

// SetRouting replaces the routing policy. The default route must name a
// registered provider.
func (m *Manager) SetRouting(cfg domain.RoutingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.DefaultRoute != "" {
		if _, exists := m.entries[cfg.DefaultRoute]; !exists {
			return fmt.Errorf("default route %q: %w", cfg.DefaultRoute, ErrProviderNotFound)
		}
	}
	m.routing = cfg
	return nil
}

// Providers lists all registered descriptors in a stable order.
func (m *Manager) Providers() []domain.ProviderDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	descs := make([]domain.ProviderDescriptor, 0, len(m.entries))
	for _, e := range m.entries {
		descs = append(descs, e.desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// PoolStatus snapshots one pooled provider.
func (m *Manager) PoolStatus(name string) (domain.PoolStatus, error) {
	m.mu.RLock()
	e, exists := m.entries[name]
	m.mu.RUnlock()

	if !exists {
		return domain.PoolStatus{}, ErrProviderNotFound
	}
	if e.pool == nil {
		return domain.PoolStatus{}, fmt.Errorf("provider %s is not pooled", name)
	}
	return e.pool.Status(), nil
}

// PoolStatuses snapshots every pooled provider.
func (m *Manager) PoolStatuses() []domain.PoolStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]domain.PoolStatus, 0)
	for _, name := range m.order {
		if e, ok := m.entries[name]; ok && e.pool != nil {
			statuses = append(statuses, e.pool.Status())
		}
	}
	return statuses
}

// ProbeAll runs one health check pass over every enabled provider. Wired to
// the cron scheduler at startup.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.enabled {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if e.pool != nil {
			e.pool.ProbeAll(ctx)
			continue
		}
		m.probeAPIInstance(ctx, e.instance)
	}
}

func (m *Manager) probeAPIInstance(ctx context.Context, inst *pool.Instance) {
	if inst == nil || inst.Client == nil {
		return
	}
	switch inst.State() {
	case domain.StateAuthRequired, domain.StateInactive:
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := inst.Client.HealthCheck(probeCtx)
	cancel()

	if err != nil {
		inst.ProbeFailure()
		m.logger.Warn("provider health probe failed",
			zap.String("provider", inst.Provider),
			zap.Error(err))
		return
	}
	if inst.ProbeSuccess() {
		m.logger.Info("provider recovered", zap.String("provider", inst.Provider))
	}
}

// Close tears down every provider runtime and stops the autoscalers.
func (m *Manager) Close() {
	m.scaleCancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		m.teardownLocked(e)
	}
	m.entries = make(map[string]*entry)
	m.order = nil
}

func (m *Manager) recordPoolEvent(ev pool.Event) {
	if m.ingestor == nil {
		return
	}
	m.ingestor.LogPoolEvent(&model.PoolEvent{
		ID:        uuid.NewString(),
		Provider:  ev.Provider,
		Action:    ev.Action,
		Detail:    ev.Detail,
		CreatedAt: ev.At,
	})
}

// lookup fetches an entry for routing. Disabled providers are invisible to
// the router but still present for the admin API.
func (m *Manager) lookup(name string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.entries[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	if !e.enabled {
		return nil, ErrProviderDisabled
	}
	return e, nil
}

// fallbackFor returns the first enabled provider, in registration order, that
// is not the excluded one and currently looks serviceable.
func (m *Manager) fallbackFor(exclude string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.order {
		if name == exclude {
			continue
		}
		e, ok := m.entries[name]
		if !ok || !e.enabled {
			continue
		}
		if e.instance != nil && e.instance.State() != domain.StateActive {
			continue
		}
		return e, true
	}
	return nil, false
}
