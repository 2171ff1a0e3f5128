package provider

import (
	"context"

	"github.com/calyx-ai/switchboard/pkg/api"
)

// Client is the capability contract every concrete backend honors, whether it
// is a plain REST integration or a session-automation client. Pooled clients
// are NOT safe for concurrent use; the pool guarantees one caller at a time.
type Client interface {
	// Initialize performs construction-time setup (connections, auth).
	Initialize(ctx context.Context) error

	// Send performs one canonical chat exchange.
	Send(ctx context.Context, req *api.ChatRequest) (*api.ChatResponse, error)

	// Stream returns a finite, non-restartable sequence of response chunks.
	// Cancelling ctx mid-sequence must release backend resources.
	Stream(ctx context.Context, req *api.ChatRequest) (<-chan api.StreamResult, error)

	// HealthCheck probes the backend; nil means healthy.
	HealthCheck(ctx context.Context) error

	// Cleanup releases everything the client holds. Idempotent.
	Cleanup()
}
