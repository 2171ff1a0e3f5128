package analytics

import (
	"context"
	"time"

	"github.com/calyx-ai/switchboard/internal/store"
	"github.com/calyx-ai/switchboard/internal/store/model"
	"go.uber.org/zap"
)

// Ingestor handles the asynchronous persistence of request logs and pool
// lifecycle events.
type Ingestor interface {
	Log(log *model.RequestLog)
	LogPoolEvent(event *model.PoolEvent)
	Start(ctx context.Context)
	Stop()
}

type ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	logChan   chan *model.RequestLog
	eventChan chan *model.PoolEvent
	batchSize int
	flushTime time.Duration
	done      chan struct{}
}

func NewIngestor(logger *zap.Logger, repo store.Repository) Ingestor {
	return &ingestor{
		logger:    logger,
		repo:      repo,
		logChan:   make(chan *model.RequestLog, 10000),
		eventChan: make(chan *model.PoolEvent, 1000),
		batchSize: 50,
		flushTime: 5 * time.Second,
		done:      make(chan struct{}),
	}
}

func (i *ingestor) Log(log *model.RequestLog) {
	select {
	case i.logChan <- log:
	default:
		i.logger.Warn("Analytics buffer full, dropping log", zap.String("request_id", log.ID))
	}
}

func (i *ingestor) LogPoolEvent(event *model.PoolEvent) {
	select {
	case i.eventChan <- event:
	default:
		i.logger.Warn("Pool event buffer full, dropping event",
			zap.String("provider", event.Provider),
			zap.String("action", event.Action))
	}
}

func (i *ingestor) Start(ctx context.Context) {
	go i.worker(ctx)
}

// Stop closes the intake channels and blocks until buffered entries are
// flushed. Callers must not Log after Stop.
func (i *ingestor) Stop() {
	close(i.logChan)
	close(i.eventChan)
	<-i.done
}

// drain empties whatever both channels still hold during shutdown.
func (i *ingestor) drain(batch *[]*model.RequestLog, events *[]*model.PoolEvent) {
	for log := range i.logChan {
		*batch = append(*batch, log)
	}
	for event := range i.eventChan {
		*events = append(*events, event)
	}
}

func (i *ingestor) worker(ctx context.Context) {
	defer close(i.done)
	batch := make([]*model.RequestLog, 0, i.batchSize)
	events := make([]*model.PoolEvent, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		for _, log := range batch {
			if err := i.repo.Requests().Log(context.Background(), log); err != nil {
				i.logger.Error("Failed to persist request log", zap.String("id", log.ID), zap.Error(err))
			}
		}
		batch = batch[:0]

		for _, event := range events {
			if err := i.repo.PoolEvents().Log(context.Background(), event); err != nil {
				i.logger.Error("Failed to persist pool event", zap.String("id", event.ID), zap.Error(err))
			}
		}
		events = events[:0]
	}

	for {
		select {
		case log, ok := <-i.logChan:
			if !ok {
				i.drain(&batch, &events)
				flush()
				return
			}
			batch = append(batch, log)
			if len(batch) >= i.batchSize {
				flush()
			}
		case event, ok := <-i.eventChan:
			if !ok {
				i.drain(&batch, &events)
				flush()
				return
			}
			events = append(events, event)
			if len(events) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}
