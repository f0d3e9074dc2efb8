// Package queue buffers flow records between the request path and the durable
// sinks, with two backends:
//
//  1. Memory queue (channel-based): no persistence, zero external
//     dependencies, right for single-box deployments.
//  2. Redis queue (list-based): records survive a restart and can be drained
//     by a worker in another process.
//
// The worker drains batches (batch size + timeout), retries with exponential
// backoff, and parks records that keep failing in a dead-letter queue.
package queue

import (
	"context"
	"time"

	"kiroproxy/internal/models"
)

// Queue carries flow records to a drain worker.
type Queue interface {
	// Enqueue adds a record to the queue.
	Enqueue(ctx context.Context, rec *models.FlowRecord) error

	// DequeueWithTimeout retrieves up to maxItems records, waiting at most
	// timeout for the first one. An empty slice means the timeout elapsed.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]*models.FlowRecord, error)

	// Length returns the current queue length.
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue.
	Close() error
}

// DeadLetterQueue holds records that could not be stored after retries.
type DeadLetterQueue interface {
	// Add parks a failed record with its error.
	Add(ctx context.Context, rec *models.FlowRecord, err error) error

	// List retrieves up to maxItems parked records; 0 means all.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove deletes a parked record by id.
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue.
	Close() error
}

// DeadLetterItem is one parked record with failure context.
type DeadLetterItem struct {
	ID        string             `json:"id"`
	Record    *models.FlowRecord `json:"record"`
	Error     string             `json:"error"`
	Timestamp time.Time          `json:"timestamp"`
	Retries   int                `json:"retries"`
}

// Config holds queue configuration.
type Config struct {
	BatchSize    int           // max records per drain batch
	BatchTimeout time.Duration // wait before draining a partial batch
	MaxRetries   int           // store attempts before the DLQ
	RetryBackoff time.Duration // initial retry backoff

	UseRedis      bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueName     string
}

// DefaultConfig returns default queue configuration.
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		QueueName:    queueName,
	}
}
