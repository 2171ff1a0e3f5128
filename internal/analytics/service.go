package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/calyx-ai/switchboard/internal/store"
	"github.com/calyx-ai/switchboard/internal/store/cache"
	"github.com/calyx-ai/switchboard/internal/store/model"
)

// statsTTL bounds the staleness of dashboard aggregates. The underlying
// queries scan the full request log, so they are not run on every hit.
const statsTTL = 30 * time.Second

type Service interface {
	GetUsageOverview(ctx context.Context, days int) ([]model.DailyStats, error)
	GetProviderBreakdown(ctx context.Context, days int) ([]model.ProviderStats, error)
	GetPoolEvents(ctx context.Context, provider string, limit int) ([]model.PoolEvent, error)
}

type service struct {
	repo  store.Repository
	cache cache.CacheService
}

func NewService(repo store.Repository, cacheSvc cache.CacheService) Service {
	return &service{
		repo:  repo,
		cache: cacheSvc,
	}
}

func (s *service) GetUsageOverview(ctx context.Context, days int) ([]model.DailyStats, error) {
	if days <= 0 {
		days = 7 // default to last week
	}

	key := fmt.Sprintf("analytics:usage:%d", days)
	var cached []model.DailyStats
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	stats, err := s.repo.Requests().GetDailyStats(ctx, days)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, stats, statsTTL)
	return stats, nil
}

func (s *service) GetProviderBreakdown(ctx context.Context, days int) ([]model.ProviderStats, error) {
	if days <= 0 {
		days = 7
	}

	key := fmt.Sprintf("analytics:providers:%d", days)
	var cached []model.ProviderStats
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	stats, err := s.repo.Requests().GetProviderStats(ctx, days)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, stats, statsTTL)
	return stats, nil
}

func (s *service) GetPoolEvents(ctx context.Context, provider string, limit int) ([]model.PoolEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.PoolEvents().GetRecent(ctx, provider, limit)
}
