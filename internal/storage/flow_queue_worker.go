package storage

import (
	"context"
	"time"

	"kiroproxy/internal/models"
	"kiroproxy/internal/queue"
	"kiroproxy/internal/utils"
)

// FlowStore is the durable sink the worker drains into. *FlowRepository is
// the Postgres implementation.
type FlowStore interface {
	Create(ctx context.Context, rec *models.FlowRecord) error
	CreateBatch(ctx context.Context, recs []*models.FlowRecord) error
}

// FlowQueueWorker drains flow records from the queue into the flow store,
// batching for throughput, retrying per record, and parking records that
// keep failing in the dead-letter queue.
type FlowQueueWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	repo        FlowStore
	config      *queue.Config
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewFlowQueueWorker creates a new flow queue worker.
func NewFlowQueueWorker(q queue.Queue, dlq queue.DeadLetterQueue, repo FlowStore, config *queue.Config) *FlowQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("flows")
	}
	return &FlowQueueWorker{
		queue:       q,
		dlq:         dlq,
		repo:        repo,
		config:      config,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine.
func (w *FlowQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker.
func (w *FlowQueueWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *FlowQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	logger := utils.NewLogger("flow-worker")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Flow worker stopping")
			return
		case <-ctx.Done():
			logger.Info("Flow worker context cancelled")
			return
		default:
			w.processBatch(ctx, logger)
		}
	}
}

func (w *FlowQueueWorker) processBatch(ctx context.Context, logger *utils.Logger) {
	recs, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		logger.Error("Failed to dequeue flow records", "error", err)
		time.Sleep(1 * time.Second) // back off on error
		return
	}
	if len(recs) == 0 {
		return
	}

	logger.Debug("Processing flow batch", "count", len(recs))

	if err := w.repo.CreateBatch(ctx, recs); err != nil {
		logger.Error("Failed to insert batch, falling back to individual inserts", "error", err)
		for _, rec := range recs {
			if err := w.processRecord(ctx, rec, logger); err != nil {
				logger.Error("Failed to store flow record", "id", rec.ID, "error", err)
			}
		}
	}
}

// processRecord stores one record with retries, parking it in the DLQ when
// the retry budget is spent.
func (w *FlowQueueWorker) processRecord(ctx context.Context, rec *models.FlowRecord, logger *utils.Logger) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			logger.Debug("Retrying flow record", "attempt", attempt, "backoff", backoff)
			time.Sleep(backoff)
		}

		if err := w.repo.Create(ctx, rec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(ctx, rec, lastErr); err != nil {
			logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			logger.Warn("Flow record moved to DLQ", "id", rec.ID, "error", lastErr)
		}
	}
	return queue.ErrMaxRetriesExceeded
}

// QueueLength returns the current queue length.
func (w *FlowQueueWorker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}
