package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calyx-ai/switchboard/internal/analytics"
	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/metrics"
	"github.com/calyx-ai/switchboard/internal/pool"
	"github.com/calyx-ai/switchboard/internal/retry"
	"github.com/calyx-ai/switchboard/internal/store"
	"github.com/calyx-ai/switchboard/internal/store/model"
	"github.com/calyx-ai/switchboard/pkg/api"
	"go.uber.org/zap"
)

// route records how a request was resolved to a provider.
type route string

const (
	routeExplicit route = "explicit"
	routeDefault  route = "default"
	routeFallback route = "fallback"
)

// Service is the request-facing router.
type Service interface {
	Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)
	StreamChat(ctx context.Context, req *api.ChatRequest) (<-chan api.StreamResult, error)
}

type service struct {
	logger   *zap.Logger
	manager  *Manager
	executor *retry.Executor
	ingestor analytics.Ingestor
	metrics  *metrics.Metrics
}

func NewService(logger *zap.Logger, manager *Manager, executor *retry.Executor, ingestor analytics.Ingestor, m *metrics.Metrics) Service {
	return &service{
		logger:   logger,
		manager:  manager,
		executor: executor,
		ingestor: ingestor,
		metrics:  m,
	}
}

// resolve picks the provider for a request. An explicit override is taken at
// face value and never falls back; otherwise the configured default route
// applies, with at most one fallback hop when it is unavailable.
func (s *service) resolve(req *api.ChatRequest) (*entry, route, error) {
	if req.Provider != "" {
		e, err := s.manager.lookup(req.Provider)
		if err != nil {
			return nil, routeExplicit, &domain.RoutingError{
				Kind:     domain.KindProviderUnavailable,
				Provider: req.Provider,
				Message:  "requested provider is not available",
				Err:      err,
			}
		}
		return e, routeExplicit, nil
	}

	routing := s.manager.Routing()
	if routing.DefaultRoute == "" {
		return nil, routeDefault, &domain.RoutingError{
			Kind:    domain.KindProviderUnavailable,
			Message: "no default route configured",
		}
	}

	e, err := s.manager.lookup(routing.DefaultRoute)
	if err == nil {
		return e, routeDefault, nil
	}

	if routing.FallbackEnabled {
		if fb, ok := s.manager.fallbackFor(routing.DefaultRoute); ok {
			s.logger.Warn("default route unavailable, falling back",
				zap.String("default", routing.DefaultRoute),
				zap.String("fallback", fb.desc.Name))
			return fb, routeFallback, nil
		}
	}

	return nil, routeDefault, &domain.RoutingError{
		Kind:     domain.KindProviderUnavailable,
		Provider: routing.DefaultRoute,
		Message:  "default route is not available",
		Err:      err,
	}
}

// checkout claims the instance that will serve the request. API based
// providers share one concurrency-safe instance; pooled providers go through
// the controller. The returned release func must run on every exit path.
func (s *service) checkout(ctx context.Context, e *entry) (*pool.Instance, func(error), error) {
	name := e.desc.Name

	if e.instance != nil {
		inst := e.instance
		switch st := inst.State(); st {
		case domain.StateActive:
		case domain.StateAuthRequired:
			return nil, nil, &domain.RoutingError{
				Kind:     domain.KindAuthRequired,
				Provider: name,
				Message:  "provider requires re-authentication",
			}
		case domain.StateRateLimited:
			return nil, nil, &domain.RoutingError{
				Kind:     domain.KindRateLimited,
				Provider: name,
				Message:  "provider is rate limited",
			}
		default:
			return nil, nil, &domain.RoutingError{
				Kind:     domain.KindProviderUnavailable,
				Provider: name,
				Message:  fmt.Sprintf("provider is %s", st),
			}
		}

		// shared instance: record the outcome but never hold it exclusively
		release := func(callErr error) {
			if callErr == nil {
				inst.CheckinSuccess()
				return
			}
			class := retry.Classify(callErr)
			inst.CheckinFailure(class, retry.RetryAfterHint(callErr))
		}
		return inst, release, nil
	}

	inst, err := e.pool.Checkout(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			return nil, nil, &domain.RoutingError{
				Kind:     domain.KindPoolExhausted,
				Provider: name,
				Message:  "all pooled instances are busy",
				Err:      err,
			}
		}
		return nil, nil, &domain.RoutingError{
			Kind:     domain.KindProviderUnavailable,
			Provider: name,
			Message:  "pool checkout failed",
			Err:      err,
		}
	}

	var released bool
	release := func(callErr error) {
		if released {
			return
		}
		released = true
		e.pool.Checkin(inst, callErr)
	}
	return inst, release, nil
}

// fallbackEligible reports whether a checkout failure may be rerouted. Auth
// and rate-limit conditions are user-visible and surface as-is.
func fallbackEligible(err error) bool {
	var rerr *domain.RoutingError
	if !errors.As(err, &rerr) {
		return false
	}
	return rerr.Kind == domain.KindPoolExhausted || rerr.Kind == domain.KindProviderUnavailable
}

// acquire resolves the provider and claims an instance. A default route that
// resolves but cannot serve (exhausted pool, no active instance) still gets
// the single fallback hop; explicit overrides and already-fallen-back routes
// do not.
func (s *service) acquire(ctx context.Context, req *api.ChatRequest) (*entry, route, *pool.Instance, func(error), error) {
	e, rt, err := s.resolve(req)
	if err != nil {
		return nil, rt, nil, nil, err
	}

	inst, release, err := s.checkout(ctx, e)
	if err == nil {
		return e, rt, inst, release, nil
	}

	if rt != routeDefault || !fallbackEligible(err) || !s.manager.Routing().FallbackEnabled {
		return e, rt, nil, nil, err
	}
	fb, ok := s.manager.fallbackFor(e.desc.Name)
	if !ok {
		return e, rt, nil, nil, err
	}
	s.logger.Warn("default route cannot serve, falling back",
		zap.String("default", e.desc.Name),
		zap.String("fallback", fb.desc.Name),
		zap.Error(err))

	inst, release, fbErr := s.checkout(ctx, fb)
	if fbErr != nil {
		// surface the default route's failure, not the fallback's
		return e, rt, nil, nil, err
	}
	return fb, routeFallback, inst, release, nil
}

func (s *service) Chat(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error) {
	start := time.Now()

	e, rt, inst, release, err := s.acquire(ctx, req)
	if err != nil {
		var name string
		if e != nil {
			name = e.desc.Name
		}
		s.observe(ctx, req, name, rt, 0, start, false, nil, err)
		return nil, err
	}
	name := e.desc.Name

	resp, outcome, err := s.executor.Execute(ctx, name, func(ctx context.Context) (*api.ChatResponse, error) {
		return inst.Client.Send(ctx, req)
	})
	release(err)

	if err != nil {
		rerr := s.toRoutingError(name, err)
		s.metrics.ObserveRetry(name, outcome.Class.String())
		s.observe(ctx, req, name, rt, outcome.Attempts, start, false, nil, rerr)
		return nil, rerr
	}

	s.observe(ctx, req, name, rt, outcome.Attempts, start, false, resp, nil)
	return resp, nil
}

// StreamChat resolves and claims an instance up front, then hands ownership
// of it to the interception goroutine: the instance checks back in when the
// upstream channel drains or the request context is cancelled. Streams are
// not retried once opened.
func (s *service) StreamChat(ctx context.Context, req *api.ChatRequest) (<-chan api.StreamResult, error) {
	start := time.Now()

	e, rt, inst, release, err := s.acquire(ctx, req)
	if err != nil {
		var name string
		if e != nil {
			name = e.desc.Name
		}
		s.observe(ctx, req, name, rt, 0, start, true, nil, err)
		return nil, err
	}
	name := e.desc.Name

	streamChan, err := inst.Client.Stream(ctx, req)
	if err != nil {
		release(err)
		rerr := s.toRoutingError(name, err)
		s.observe(ctx, req, name, rt, 1, start, true, nil, rerr)
		return nil, rerr
	}

	outChan := make(chan api.StreamResult)

	go func() {
		defer close(outChan)

		var ttft *time.Duration
		var usage *api.Usage
		var lastID string
		var streamErr error

	recv:
		for result := range streamChan {
			if result.Err != nil {
				streamErr = result.Err
			}
			if result.Response != nil {
				if ttft == nil {
					dur := time.Since(start)
					ttft = &dur
				}
				lastID = result.Response.ID
				if result.Response.Usage != nil {
					usage = result.Response.Usage
				}
			}

			select {
			case outChan <- result:
			case <-ctx.Done():
				streamErr = ctx.Err()
				break recv
			}
		}

		release(streamErr)

		log := s.buildLog(ctx, req, name, rt, 1, start, true, nil, nil)
		log.ID = lastID
		if log.ID == "" {
			log.ID = fmt.Sprintf("stream-%d", time.Now().UnixNano())
		}
		if ttft != nil {
			log.TTFTMS = sql.NullInt64{Int64: ttft.Milliseconds(), Valid: true}
		}
		if usage != nil {
			log.InputTokens = usage.PromptTokens
			log.OutputTokens = usage.CompletionTokens
		}
		if streamErr != nil {
			rerr := s.toRoutingError(name, streamErr)
			log.Outcome = string(rerr.Kind)
			log.StatusCode = rerr.HTTPStatus()
		}
		s.ingest(log)
		s.metrics.ObserveRequest(name, log.Outcome, time.Since(start))
	}()

	return outChan, nil
}

// toRoutingError normalizes a terminal provider error for the transport layer.
func (s *service) toRoutingError(providerName string, err error) *domain.RoutingError {
	var rerr *domain.RoutingError
	if errors.As(err, &rerr) {
		return rerr
	}

	kind := domain.KindBackendError
	msg := "provider call failed"
	switch retry.Classify(err) {
	case retry.ClassAuthRequired:
		kind = domain.KindAuthRequired
		msg = "provider requires re-authentication"
	case retry.ClassRateLimited:
		kind = domain.KindRateLimited
		msg = "provider is rate limited"
	case retry.ClassRetryable:
		var terr *domain.TimeoutError
		if errors.As(err, &terr) || errors.Is(err, context.DeadlineExceeded) {
			kind = domain.KindTimeout
			msg = "provider call timed out"
		}
	}

	return &domain.RoutingError{
		Kind:     kind,
		Provider: providerName,
		Message:  msg,
		Err:      err,
	}
}

func (s *service) observe(ctx context.Context, req *api.ChatRequest, providerName string, rt route, attempts int, start time.Time, streamed bool, resp *api.ChatResponse, err error) {
	log := s.buildLog(ctx, req, providerName, rt, attempts, start, streamed, resp, err)
	s.ingest(log)
	s.metrics.ObserveRequest(providerName, log.Outcome, time.Since(start))
}

func (s *service) buildLog(ctx context.Context, req *api.ChatRequest, providerName string, rt route, attempts int, start time.Time, streamed bool, resp *api.ChatResponse, err error) *model.RequestLog {
	log := &model.RequestLog{
		AppName:    appNameFrom(ctx),
		Provider:   providerName,
		Model:      req.Model,
		Route:      string(rt),
		Attempts:   attempts,
		Outcome:    "ok",
		StatusCode: 200,
		LatencyMS:  time.Since(start).Milliseconds(),
		IsStreamed: streamed,
		CreatedAt:  time.Now(),
	}

	if resp != nil {
		log.ID = resp.ID
		if resp.Usage != nil {
			log.InputTokens = resp.Usage.PromptTokens
			log.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	if log.ID == "" {
		log.ID = fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	if err != nil {
		var rerr *domain.RoutingError
		if errors.As(err, &rerr) {
			log.Outcome = string(rerr.Kind)
			log.StatusCode = rerr.HTTPStatus()
		} else {
			log.Outcome = string(domain.KindBackendError)
			log.StatusCode = 502
		}
	}
	return log
}

func (s *service) ingest(log *model.RequestLog) {
	if s.ingestor == nil {
		return
	}
	s.ingestor.Log(log)
}

// appNameFrom extracts the caller identity set by the identity middleware.
func appNameFrom(ctx context.Context) string {
	if val, ok := ctx.Value(store.ContextKeyAppName).(string); ok {
		return val
	}
	return ""
}
