package store

import (
	"context"

	"github.com/calyx-ai/switchboard/internal/store/model"
)

type contextKey string

const (
	ContextKeyAppName contextKey = "app_name"
)

// Repository is the main contract for the data layer.
type Repository interface {
	Requests() RequestRepository
	PoolEvents() PoolEventRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

type RequestRepository interface {
	// Log stores a completed request.
	Log(ctx context.Context, log *model.RequestLog) error
	// GetByID returns a single request log by ID.
	GetByID(ctx context.Context, id string) (*model.RequestLog, error)
	// GetRecent returns the last N logs.
	GetRecent(ctx context.Context, limit int) ([]model.RequestLog, error)
	// GetDailyStats returns aggregated stats grouped by day.
	GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error)
	// GetProviderStats returns aggregated stats grouped by provider.
	GetProviderStats(ctx context.Context, days int) ([]model.ProviderStats, error)
}

type PoolEventRepository interface {
	// Log records a pool lifecycle event.
	Log(ctx context.Context, event *model.PoolEvent) error
	// GetRecent returns the last N events for a provider; empty provider means all.
	GetRecent(ctx context.Context, provider string, limit int) ([]model.PoolEvent, error)
}
