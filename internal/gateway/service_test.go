package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/provider"
	"github.com/calyx-ai/switchboard/internal/retry"
	"github.com/calyx-ai/switchboard/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBehavior scripts the fake driver per provider name.
type fakeBehavior struct {
	mu        sync.Mutex
	sendErr   error
	sendCalls int32
	blockSend chan struct{} // when set, Send parks until closed
}

var (
	behaviorsMu  sync.Mutex
	behaviors    = map[string]*fakeBehavior{}
	registerFake sync.Once
)

func setBehavior(name string, b *fakeBehavior) {
	behaviorsMu.Lock()
	behaviors[name] = b
	behaviorsMu.Unlock()
}

func behaviorFor(name string) *fakeBehavior {
	behaviorsMu.Lock()
	defer behaviorsMu.Unlock()
	if b, ok := behaviors[name]; ok {
		return b
	}
	b := &fakeBehavior{}
	behaviors[name] = b
	return b
}

type scriptedClient struct {
	name string
}

func (c *scriptedClient) Initialize(ctx context.Context) error { return nil }

func (c *scriptedClient) Send(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	b := behaviorFor(c.name)
	atomic.AddInt32(&b.sendCalls, 1)

	b.mu.Lock()
	block := b.blockSend
	sendErr := b.sendErr
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return &api.ChatResponse{
		ID:    "resp-" + c.name,
		Model: req.Model,
		Usage: &api.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *api.ChatRequest) (<-chan api.StreamResult, error) {
	ch := make(chan api.StreamResult, 2)
	ch <- api.StreamResult{Response: &api.ChatResponse{ID: "chunk-1"}}
	ch <- api.StreamResult{Response: &api.ChatResponse{
		ID:    "chunk-2",
		Usage: &api.Usage{PromptTokens: 4, CompletionTokens: 2},
	}}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) HealthCheck(ctx context.Context) error { return nil }
func (c *scriptedClient) Cleanup()                              {}

func ensureFakeDriver() {
	registerFake.Do(func() {
		provider.Register("scripted", func(desc domain.ProviderDescriptor) (provider.Client, error) {
			return &scriptedClient{name: desc.Name}, nil
		})
	})
}

func fastSettings() domain.PoolSettings {
	s := domain.DefaultPoolSettings()
	s.AcquireTimeout = 50 * time.Millisecond
	s.FailureThreshold = 1
	return s
}

func newTestRouter(t *testing.T, routing domain.RoutingConfig, descs ...domain.ProviderDescriptor) (Service, *Manager) {
	t.Helper()
	ensureFakeDriver()

	mgr := NewManager(zap.NewNop(), fastSettings(), routing)
	t.Cleanup(mgr.Close)

	for _, desc := range descs {
		require.NoError(t, mgr.Register(context.Background(), desc))
	}

	executor := retry.NewExecutor(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, zap.NewNop())
	svc := NewService(zap.NewNop(), mgr, executor, nil, nil)
	return svc, mgr
}

func apiDesc(name string) domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		Name: name, Kind: domain.KindAPIBased, Driver: "scripted", Enabled: true,
	}
}

func pooledDesc(name string, min, max int) domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		Name: name, Kind: domain.KindPooled, Driver: "scripted", Enabled: true,
		MinSize: min, MaxSize: max,
	}
}

func TestChatRoutesToDefault(t *testing.T) {
	setBehavior("alpha", &fakeBehavior{})
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha"},
		apiDesc("alpha"))

	resp, err := svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-alpha", resp.ID)
}

func TestChatExplicitOverrideWins(t *testing.T) {
	setBehavior("alpha", &fakeBehavior{})
	setBehavior("beta", &fakeBehavior{})
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha"},
		apiDesc("alpha"), apiDesc("beta"))

	resp, err := svc.Chat(context.Background(), &api.ChatRequest{
		Provider: "beta",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-beta", resp.ID)
}

func TestChatExplicitOverrideUnknownProviderFails(t *testing.T) {
	setBehavior("alpha", &fakeBehavior{})
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha", FallbackEnabled: true},
		apiDesc("alpha"))

	_, err := svc.Chat(context.Background(), &api.ChatRequest{
		Provider: "ghost",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})

	var rerr *domain.RoutingError
	require.ErrorAs(t, err, &rerr)
	// Explicit overrides never fall back, even with fallback enabled
	assert.Equal(t, domain.KindProviderUnavailable, rerr.Kind)
}

func TestChatAuthRequiredProviderRejectsWithoutBackendCall(t *testing.T) {
	b := &fakeBehavior{}
	setBehavior("alpha", b)
	svc, mgr := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha"},
		apiDesc("alpha"))

	// Drive the shared instance into AUTH_REQUIRED via a failed call
	b.mu.Lock()
	b.sendErr = &domain.AuthError{Provider: "alpha", Message: "session expired"}
	b.mu.Unlock()
	_, err := svc.Chat(context.Background(), &api.ChatRequest{
		Provider: "alpha",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	callsBefore := atomic.LoadInt32(&b.sendCalls)
	assert.Equal(t, int32(1), callsBefore, "auth failures must not be retried")

	// Next explicit request is rejected before touching the backend
	_, err = svc.Chat(context.Background(), &api.ChatRequest{
		Provider: "alpha",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	var rerr *domain.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.KindAuthRequired, rerr.Kind)
	assert.Equal(t, callsBefore, atomic.LoadInt32(&b.sendCalls))

	// Re-registration clears the sticky state
	b.mu.Lock()
	b.sendErr = nil
	b.mu.Unlock()
	require.NoError(t, mgr.Register(context.Background(), apiDesc("alpha")))
	_, err = svc.Chat(context.Background(), &api.ChatRequest{
		Provider: "alpha",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	assert.NoError(t, err)
}

func TestChatFallsBackWhenDefaultUnavailable(t *testing.T) {
	setBehavior("alpha", &fakeBehavior{})
	setBehavior("beta", &fakeBehavior{})
	svc, mgr := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha", FallbackEnabled: true},
		apiDesc("alpha"), apiDesc("beta"))

	require.NoError(t, mgr.ToggleProvider("alpha", false))

	resp, err := svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-beta", resp.ID)
}

func TestChatNoFallbackWhenDisabled(t *testing.T) {
	setBehavior("alpha", &fakeBehavior{})
	setBehavior("beta", &fakeBehavior{})
	svc, mgr := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha", FallbackEnabled: false},
		apiDesc("alpha"), apiDesc("beta"))

	require.NoError(t, mgr.ToggleProvider("alpha", false))

	_, err := svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	var rerr *domain.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.KindProviderUnavailable, rerr.Kind)
}

func TestChatPooledProviderExhaustion(t *testing.T) {
	block := make(chan struct{})
	setBehavior("poe", &fakeBehavior{blockSend: block})
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "poe"},
		pooledDesc("poe", 1, 1))

	// Occupy the single instance
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := svc.Chat(context.Background(), &api.ChatRequest{
			Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hold"}},
		})
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	var rerr *domain.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.KindPoolExhausted, rerr.Kind)

	close(block)
	require.NoError(t, <-done)

	// Instance is back after checkin
	_, err = svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	assert.NoError(t, err)
}

func TestChatFallsBackWhenDefaultPoolExhausted(t *testing.T) {
	block := make(chan struct{})
	setBehavior("poe", &fakeBehavior{blockSend: block})
	setBehavior("beta", &fakeBehavior{})
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "poe", FallbackEnabled: true},
		pooledDesc("poe", 1, 1), apiDesc("beta"))

	// Occupy the single instance so the default route cannot serve
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := svc.Chat(context.Background(), &api.ChatRequest{
			Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hold"}},
		})
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	resp, err := svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-beta", resp.ID)

	close(block)
	require.NoError(t, <-done)
}

func TestChatExplicitPooledExhaustionDoesNotFallBack(t *testing.T) {
	block := make(chan struct{})
	setBehavior("poe", &fakeBehavior{blockSend: block})
	setBehavior("beta", &fakeBehavior{})
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "beta", FallbackEnabled: true},
		pooledDesc("poe", 1, 1), apiDesc("beta"))

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := svc.Chat(context.Background(), &api.ChatRequest{
			Provider: "poe",
			Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hold"}},
		})
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := svc.Chat(context.Background(), &api.ChatRequest{
		Provider: "poe",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	var rerr *domain.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.KindPoolExhausted, rerr.Kind)

	close(block)
	require.NoError(t, <-done)
}

func TestChatRetriesTransientThenSurfacesBackendError(t *testing.T) {
	b := &fakeBehavior{sendErr: &domain.BackendError{Provider: "alpha", StatusCode: 502, Retryable: true}}
	setBehavior("alpha", b)
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha"},
		apiDesc("alpha"))

	_, err := svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	var rerr *domain.RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.KindBackendError, rerr.Kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&b.sendCalls), "policy allows two attempts")
}

func TestStreamChatDeliversAndCompletes(t *testing.T) {
	setBehavior("alpha", &fakeBehavior{})
	svc, _ := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha"},
		apiDesc("alpha"))

	ch, err := svc.StreamChat(context.Background(), &api.ChatRequest{
		Stream:   true,
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var ids []string
	for result := range ch {
		require.NoError(t, result.Err)
		ids = append(ids, result.Response.ID)
	}
	assert.Equal(t, []string{"chunk-1", "chunk-2"}, ids)
}

func TestStreamChatPooledChecksBackIn(t *testing.T) {
	setBehavior("poe", &fakeBehavior{})
	svc, mgr := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "poe"},
		pooledDesc("poe", 1, 1))

	ch, err := svc.StreamChat(context.Background(), &api.ChatRequest{
		Stream:   true,
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	for range ch {
	}

	require.Eventually(t, func() bool {
		status, err := mgr.PoolStatus("poe")
		return err == nil && status.BusyCount == 0
	}, time.Second, 10*time.Millisecond, "stream never released its instance")
}

func TestManagerSetRoutingValidatesDefault(t *testing.T) {
	setBehavior("alpha", &fakeBehavior{})
	_, mgr := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "alpha"},
		apiDesc("alpha"))

	err := mgr.SetRouting(domain.RoutingConfig{DefaultRoute: "ghost"})
	assert.ErrorIs(t, err, ErrProviderNotFound)

	require.NoError(t, mgr.SetRouting(domain.RoutingConfig{DefaultRoute: "alpha", FallbackEnabled: true}))
	assert.True(t, mgr.Routing().FallbackEnabled)
}

func TestManagerRegisterUnknownDriver(t *testing.T) {
	ensureFakeDriver()
	mgr := NewManager(zap.NewNop(), fastSettings(), domain.RoutingConfig{})
	t.Cleanup(mgr.Close)

	err := mgr.Register(context.Background(), domain.ProviderDescriptor{
		Name: "bad", Kind: domain.KindAPIBased, Driver: "no-such-driver", Enabled: true,
	})
	require.Error(t, err)
	assert.Empty(t, mgr.Providers())
}

func TestManagerPoolStatusShapes(t *testing.T) {
	setBehavior("poe", &fakeBehavior{})
	_, mgr := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "poe"},
		pooledDesc("poe", 2, 4))

	status, err := mgr.PoolStatus("poe")
	require.NoError(t, err)
	assert.Equal(t, "poe", status.Provider)
	assert.Equal(t, 2, status.Size)
	assert.Equal(t, 2, status.States[domain.StateActive])

	_, err = mgr.PoolStatus("ghost")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestCheckinReleasesOnFailureToo(t *testing.T) {
	b := &fakeBehavior{sendErr: errors.New("hard failure")}
	setBehavior("poe", b)
	svc, mgr := newTestRouter(t,
		domain.RoutingConfig{DefaultRoute: "poe"},
		pooledDesc("poe", 1, 1))

	_, err := svc.Chat(context.Background(), &api.ChatRequest{
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	// A fatal call moves the instance to ERROR, not leaves it BUSY
	status, err := mgr.PoolStatus("poe")
	require.NoError(t, err)
	assert.Equal(t, 0, status.BusyCount)
	assert.Equal(t, 1, status.States[domain.StateError])
}
