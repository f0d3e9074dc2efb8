package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kiroproxy/internal/models"
)

// RedisQueue implements Queue using a Redis list.
type RedisQueue struct {
	client *redis.Client
	qKey   string
}

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(config *Config) (*RedisQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

// Enqueue adds a record to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, rec *models.FlowRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal flow record: %w", err)
	}
	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// DequeueWithTimeout retrieves up to maxItems records, waiting at most
// timeout for the first one.
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]*models.FlowRecord, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if err == redis.Nil {
		return nil, nil // timeout, no records
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value.
	recs, err := appendDecoded(nil, []byte(result[1]))
	if err != nil {
		return nil, err
	}

	// Drain more without blocking.
	for len(recs) < maxItems {
		raw, err := q.client.LPop(ctx, q.qKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return recs, nil // return what we have so far
		}
		if recs, err = appendDecoded(recs, []byte(raw)); err != nil {
			return recs, err
		}
	}
	return recs, nil
}

func appendDecoded(recs []*models.FlowRecord, data []byte) ([]*models.FlowRecord, error) {
	var rec models.FlowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return recs, fmt.Errorf("failed to decode flow record: %w", err)
	}
	return append(recs, &rec), nil
}

// Length returns the current queue length.
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash.
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue.
func NewRedisDeadLetterQueue(config *Config) (*RedisDeadLetterQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.QueueName),
	}, nil
}

// Add parks a failed record.
func (q *RedisDeadLetterQueue) Add(ctx context.Context, rec *models.FlowRecord, err error) error {
	dlItem := DeadLetterItem{
		ID:        generateID(),
		Record:    rec,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}

	data, marshalErr := json.Marshal(dlItem)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List retrieves up to maxItems parked records.
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var dlItem DeadLetterItem
		if err := json.Unmarshal([]byte(data), &dlItem); err != nil {
			continue // skip malformed items
		}
		items = append(items, dlItem)
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
	}
	return items, nil
}

// Remove deletes a parked record by id.
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	if err := q.client.HDel(ctx, q.dlKey, id).Err(); err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	return nil
}

// Close shuts down the dead letter queue.
func (q *RedisDeadLetterQueue) Close() error {
	return q.client.Close()
}
