// Package queue is the Redis-backed job transport: chunk payloads flow
// through a single list, per-job progress lives in small hashes next to
// it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the list all producers and workers agree on.
const DefaultQueueKey = "mailscout:jobs"

// ErrMalformedPayload marks a queue entry that cannot be decoded. The
// consumer drops such entries; they are not recoverable by requeueing.
var ErrMalformedPayload = errors.New("malformed queue payload")

// Payload is one unit of worker work: a job id and up to one chunk of
// addresses.
type Payload struct {
	JobID  string   `json:"job_id"`
	Emails []string `json:"emails"`
}

// Progress is the live per-chunk progress record workers publish.
type Progress struct {
	ProcessedInChunk int
	ChunkSize        int
	Timestamp        time.Time
}

// Broker wraps the Redis client with the queue's operations.
type Broker struct {
	client   *redis.Client
	queueKey string
}

// NewBroker connects to Redis using a URL (redis://host:port/db).
func NewBroker(redisURL, queueKey string) (*Broker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewBrokerWithClient(redis.NewClient(opt), queueKey), nil
}

// NewBrokerWithClient wraps an existing client. Used by tests and by
// processes that share one client across components.
func NewBrokerWithClient(client *redis.Client, queueKey string) *Broker {
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	return &Broker{client: client, queueKey: queueKey}
}

// Ping verifies the connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Enqueue appends payloads to the tail of the queue in order.
func (b *Broker) Enqueue(ctx context.Context, payloads ...Payload) error {
	for _, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		if err := b.client.RPush(ctx, b.queueKey, data).Err(); err != nil {
			return fmt.Errorf("rpush %s: %w", b.queueKey, err)
		}
	}
	return nil
}

// Requeue puts a payload back at the tail after a processing failure,
// behind any work that arrived in the meantime.
func (b *Broker) Requeue(ctx context.Context, p Payload) error {
	return b.Enqueue(ctx, p)
}

// Pop blocks up to timeout for the head payload. An empty queue is not
// an error: ok is false and the caller loops. A payload that fails to
// decode returns an error wrapping ErrMalformedPayload.
func (b *Broker) Pop(ctx context.Context, timeout time.Duration) (Payload, bool, error) {
	res, err := b.client.BLPop(ctx, timeout, b.queueKey).Result()
	if err == redis.Nil {
		return Payload{}, false, nil
	}
	if err != nil {
		return Payload{}, false, fmt.Errorf("blpop %s: %w", b.queueKey, err)
	}

	// res[0] is the key, res[1] the value.
	var p Payload
	if err := json.Unmarshal([]byte(res[1]), &p); err != nil {
		return Payload{}, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, true, nil
}

// Depth returns the number of queued payloads. The autoscaler's demand
// signal.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, b.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", b.queueKey, err)
	}
	return n, nil
}

func progressKey(jobID string) string {
	return fmt.Sprintf("progress:%s", jobID)
}

// progressTTL bounds how long a job's telemetry hash outlives its last
// write, so abandoned jobs do not leak keys.
const progressTTL = 24 * time.Hour

// WriteProgress publishes the live chunk progress for a job. Callers
// treat failures as non-fatal; the durable count lives in the database.
func (b *Broker) WriteProgress(ctx context.Context, jobID string, processedInChunk, chunkSize int) error {
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, progressKey(jobID), map[string]interface{}{
			"processed_in_chunk": processedInChunk,
			"chunk_size":         chunkSize,
			"timestamp":          time.Now().UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, progressKey(jobID), progressTTL)
		return nil
	})
	return err
}

// ReadProgress returns the last published progress for a job, if any.
func (b *Broker) ReadProgress(ctx context.Context, jobID string) (Progress, bool, error) {
	fields, err := b.client.HGetAll(ctx, progressKey(jobID)).Result()
	if err != nil {
		return Progress{}, false, fmt.Errorf("hgetall %s: %w", progressKey(jobID), err)
	}
	if len(fields) == 0 {
		return Progress{}, false, nil
	}

	var p Progress
	if v, ok := fields["processed_in_chunk"]; ok {
		p.ProcessedInChunk, _ = strconv.Atoi(v)
	}
	if v, ok := fields["chunk_size"]; ok {
		p.ChunkSize, _ = strconv.Atoi(v)
	}
	if v, ok := fields["timestamp"]; ok {
		p.Timestamp, _ = time.Parse(time.RFC3339, v)
	}
	return p, true, nil
}
