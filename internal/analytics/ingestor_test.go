package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyx-ai/switchboard/internal/store"
	"github.com/calyx-ai/switchboard/internal/store/model"
)

type capturingRepo struct {
	mu     sync.Mutex
	logs   []*model.RequestLog
	events []*model.PoolEvent
}

func (r *capturingRepo) Requests() store.RequestRepository { return &capturingRequests{repo: r} }

func (r *capturingRepo) PoolEvents() store.PoolEventRepository {
	return &capturingEvents{repo: r}
}
func (r *capturingRepo) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	return fn(r)
}
func (r *capturingRepo) Close() error { return nil }

func (r *capturingRepo) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs), len(r.events)
}

type capturingRequests struct{ repo *capturingRepo }

func (c *capturingRequests) Log(ctx context.Context, log *model.RequestLog) error {
	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	c.repo.logs = append(c.repo.logs, log)
	return nil
}
func (c *capturingRequests) GetByID(ctx context.Context, id string) (*model.RequestLog, error) {
	return nil, nil
}
func (c *capturingRequests) GetRecent(ctx context.Context, limit int) ([]model.RequestLog, error) {
	return nil, nil
}
func (c *capturingRequests) GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	return nil, nil
}
func (c *capturingRequests) GetProviderStats(ctx context.Context, days int) ([]model.ProviderStats, error) {
	return nil, nil
}

type capturingEvents struct{ repo *capturingRepo }

func (c *capturingEvents) Log(ctx context.Context, event *model.PoolEvent) error {
	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	c.repo.events = append(c.repo.events, event)
	return nil
}
func (c *capturingEvents) GetRecent(ctx context.Context, provider string, limit int) ([]model.PoolEvent, error) {
	return nil, nil
}

func TestIngestorStopFlushesBufferedEntries(t *testing.T) {
	repo := &capturingRepo{}
	ing := NewIngestor(zap.NewNop(), repo)
	ing.Start(context.Background())

	for i := 0; i < 7; i++ {
		ing.Log(&model.RequestLog{ID: "r", Provider: "p", Outcome: "ok"})
	}
	ing.LogPoolEvent(&model.PoolEvent{ID: "e", Provider: "p", Action: "scale_up"})

	// Stop must not return before everything buffered has been written
	ing.Stop()

	logs, events := repo.counts()
	assert.Equal(t, 7, logs)
	assert.Equal(t, 1, events)
}

func TestIngestorFlushesOnBatchSize(t *testing.T) {
	repo := &capturingRepo{}
	ing := NewIngestor(zap.NewNop(), repo)
	ing.Start(context.Background())
	defer ing.Stop()

	// one past the batch threshold forces an early flush
	for i := 0; i < 51; i++ {
		ing.Log(&model.RequestLog{ID: "r", Provider: "p", Outcome: "ok"})
	}

	require.Eventually(t, func() bool {
		logs, _ := repo.counts()
		return logs >= 50
	}, 2*time.Second, 10*time.Millisecond)
}
