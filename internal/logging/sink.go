package logging

import (
	"context"
	"time"

	"kiroproxy/internal/models"
	"kiroproxy/internal/queue"
)

// FlowSink receives one flow record per terminated request. Implementations
// must not block the request path; drop on overflow instead.
type FlowSink interface {
	Record(rec *models.FlowRecord)
}

// NoopSink discards flow records.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (s *NoopSink) Record(rec *models.FlowRecord) {}

// QueueSink enqueues flow records for the drain worker. Enqueue failures are
// dropped: monitoring must never fail a request.
type QueueSink struct {
	q queue.Queue
}

func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

func (s *QueueSink) Record(rec *models.FlowRecord) {
	// Bound the wait on a full queue; past it the record is dropped.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.q.Enqueue(ctx, rec)
}

// MultiSink fans one record out to several sinks.
type MultiSink struct {
	sinks []FlowSink
}

func NewMultiSink(sinks ...FlowSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Record(rec *models.FlowRecord) {
	for _, sink := range s.sinks {
		sink.Record(rec)
	}
}
