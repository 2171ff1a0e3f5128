package model

import (
	"database/sql"
	"time"
)

// RequestLog captures the full detail of one routed chat request.
type RequestLog struct {
	ID           string        `db:"id" json:"id"`
	AppName      string        `db:"app_name" json:"app_name"`
	Provider     string        `db:"provider" json:"provider"`
	Model        string        `db:"model" json:"model"`
	Route        string        `db:"route" json:"route"` // 'explicit', 'default', 'fallback'
	Attempts     int           `db:"attempts" json:"attempts"`
	Outcome      string        `db:"outcome" json:"outcome"` // 'ok' or the failure kind
	InputTokens  int           `db:"input_tokens" json:"input_tokens"`
	OutputTokens int           `db:"output_tokens" json:"output_tokens"`
	LatencyMS    int64         `db:"latency_ms" json:"latency_ms"`
	TTFTMS       sql.NullInt64 `db:"ttft_ms" json:"ttft_ms,omitempty"`
	StatusCode   int           `db:"status_code" json:"status_code"`
	IsStreamed   bool          `db:"is_streamed" json:"is_streamed"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}

// PoolEvent is one entry in the pool lifecycle audit trail.
type PoolEvent struct {
	ID        string    `db:"id" json:"id"`
	Provider  string    `db:"provider" json:"provider"`
	Action    string    `db:"action" json:"action"` // 'scale_up', 'instance_failed', ...
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DailyStats is aggregated request volume for one day.
type DailyStats struct {
	Date            string  `db:"date" json:"date"`
	TotalRequests   int     `db:"total_requests" json:"total_requests"`
	TotalTokens     int     `db:"total_tokens" json:"total_tokens"`
	FailedRequests  int     `db:"failed_requests" json:"failed_requests"`
	AverageLatency  float64 `db:"avg_latency" json:"avg_latency"`
}

// ProviderStats is aggregated per-provider request volume.
type ProviderStats struct {
	Provider       string  `db:"provider" json:"provider"`
	TotalRequests  int     `db:"total_requests" json:"total_requests"`
	FailedRequests int     `db:"failed_requests" json:"failed_requests"`
	AverageLatency float64 `db:"avg_latency" json:"avg_latency"`
}
