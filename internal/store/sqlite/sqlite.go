package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calyx-ai/switchboard/internal/store"
	"github.com/calyx-ai/switchboard/internal/store/model"
	"github.com/jmoiron/sqlx"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Requests() store.RequestRepository {
	return &requestRepo{db: r.executor}
}

func (r *SqliteRepository) PoolEvents() store.PoolEventRepository {
	return &poolEventRepo{db: r.executor}
}

type requestRepo struct {
	db DB
}

func (r *requestRepo) Log(ctx context.Context, log *model.RequestLog) error {
	query := `
	INSERT INTO request_logs (
		id, app_name, provider, model, route, attempts, outcome,
		input_tokens, output_tokens, latency_ms, ttft_ms,
		status_code, is_streamed, created_at
	) VALUES (
		:id, :app_name, :provider, :model, :route, :attempts, :outcome,
		:input_tokens, :output_tokens, :latency_ms, :ttft_ms,
		:status_code, :is_streamed, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, log)
	return err
}

func (r *requestRepo) GetByID(ctx context.Context, id string) (*model.RequestLog, error) {
	var log model.RequestLog
	err := r.db.GetContext(ctx, &log, `SELECT * FROM request_logs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (r *requestRepo) GetRecent(ctx context.Context, limit int) ([]model.RequestLog, error) {
	var logs []model.RequestLog
	err := r.db.SelectContext(ctx, &logs,
		`SELECT * FROM request_logs ORDER BY created_at DESC LIMIT ?`, limit)
	return logs, err
}

func (r *requestRepo) GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	var stats []model.DailyStats
	query := `
	SELECT
		date(created_at) AS date,
		COUNT(*) AS total_requests,
		SUM(input_tokens + output_tokens) AS total_tokens,
		SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END) AS failed_requests,
		AVG(latency_ms) AS avg_latency
	FROM request_logs
	WHERE created_at >= date('now', ?)
	GROUP BY date(created_at)
	ORDER BY date DESC`
	err := r.db.SelectContext(ctx, &stats, query, offsetDays(days))
	return stats, err
}

func (r *requestRepo) GetProviderStats(ctx context.Context, days int) ([]model.ProviderStats, error) {
	var stats []model.ProviderStats
	query := `
	SELECT
		provider,
		COUNT(*) AS total_requests,
		SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END) AS failed_requests,
		AVG(latency_ms) AS avg_latency
	FROM request_logs
	WHERE created_at >= date('now', ?)
	GROUP BY provider
	ORDER BY total_requests DESC`
	err := r.db.SelectContext(ctx, &stats, query, offsetDays(days))
	return stats, err
}

type poolEventRepo struct {
	db DB
}

func (r *poolEventRepo) Log(ctx context.Context, event *model.PoolEvent) error {
	query := `
	INSERT INTO pool_events (id, provider, action, detail, created_at)
	VALUES (:id, :provider, :action, :detail, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, event)
	return err
}

func (r *poolEventRepo) GetRecent(ctx context.Context, provider string, limit int) ([]model.PoolEvent, error) {
	var events []model.PoolEvent
	if provider == "" {
		err := r.db.SelectContext(ctx, &events,
			`SELECT * FROM pool_events ORDER BY created_at DESC LIMIT ?`, limit)
		return events, err
	}
	err := r.db.SelectContext(ctx, &events,
		`SELECT * FROM pool_events WHERE provider = ? ORDER BY created_at DESC LIMIT ?`,
		provider, limit)
	return events, err
}

// offsetDays renders the sqlite date modifier for a trailing window.
func offsetDays(days int) string {
	if days <= 0 {
		days = 7
	}
	return fmt.Sprintf("-%d days", days)
}
