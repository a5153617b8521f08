package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultQueuePrefix = "chatflow:jobs"
	DefaultDedupTTL    = 10 * time.Minute
)

// QueueClient is the part of a go-redis client the job queue needs.
type QueueClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	LPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	RPop(ctx context.Context, key string) *goredis.StringCmd
	ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *goredis.ZRangeBy) *goredis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...any) *goredis.IntCmd
}

// JobQueue is a go-job queue on Redis lists. Delayed retries wait in a
// sorted set and are promoted on the next Dequeue. Messages with the
// "drop" dedup policy are skipped while an equal idempotency key is queued
// or in flight.
type JobQueue struct {
	client   QueueClient
	prefix   string
	dedupTTL time.Duration
	now      func() time.Time
}

type QueueOption func(*JobQueue)

func WithQueuePrefix(prefix string) QueueOption {
	return func(q *JobQueue) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			q.prefix = prefix
		}
	}
}

func WithDedupTTL(ttl time.Duration) QueueOption {
	return func(q *JobQueue) {
		if ttl > 0 {
			q.dedupTTL = ttl
		}
	}
}

func NewJobQueue(client QueueClient, opts ...QueueOption) (*JobQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redisbus: queue client is required")
	}
	q := &JobQueue{
		client:   client,
		prefix:   DefaultQueuePrefix,
		dedupTTL: DefaultDedupTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

type queuedJob struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	ScriptPath     string         `json:"script_path,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	DedupPolicy    string         `json:"dedup_policy,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

func (q *JobQueue) readyKey() string   { return q.prefix + ":ready" }
func (q *JobQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *JobQueue) deadKey() string    { return q.prefix + ":dead" }

func (q *JobQueue) dedupKey(idempotencyKey string) string {
	return q.prefix + ":dedup:" + idempotencyKey
}

func (q *JobQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("redisbus: execution message is required")
	}
	entry := queuedJob{
		ID:             uuid.NewString(),
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     msg.Parameters,
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
	if entry.JobID == "" {
		return fmt.Errorf("redisbus: job id is required")
	}
	if entry.IdempotencyKey != "" && strings.EqualFold(entry.DedupPolicy, "drop") {
		fresh, err := q.client.SetNX(ctx, q.dedupKey(entry.IdempotencyKey), entry.ID, q.dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("redisbus: dedup %s: %w", entry.IdempotencyKey, err)
		}
		if !fresh {
			return nil
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redisbus: encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), string(raw)).Err(); err != nil {
		return fmt.Errorf("redisbus: enqueue %s: %w", entry.JobID, err)
	}
	return nil
}

// Dequeue returns nil, nil when no job is ready.
func (q *JobQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	raw, err := q.client.RPop(ctx, q.readyKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisbus: dequeue: %w", err)
	}
	var entry queuedJob
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// unreadable entries are parked for inspection
		_ = q.client.LPush(ctx, q.deadKey(), raw).Err()
		return nil, fmt.Errorf("redisbus: decode job: %w", err)
	}
	return &jobDelivery{queue: q, entry: entry}, nil
}

func (q *JobQueue) promoteDue(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redisbus: scan delayed jobs: %w", err)
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("redisbus: promote delayed job: %w", err)
		}
		if removed == 0 {
			// another worker promoted it
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return fmt.Errorf("redisbus: promote delayed job: %w", err)
		}
	}
	return nil
}

func (q *JobQueue) release(ctx context.Context, entry queuedJob) error {
	if entry.IdempotencyKey == "" {
		return nil
	}
	return q.client.Del(ctx, q.dedupKey(entry.IdempotencyKey)).Err()
}

type jobDelivery struct {
	queue *JobQueue
	entry queuedJob
}

func (d *jobDelivery) Message() *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          d.entry.JobID,
		ScriptPath:     d.entry.ScriptPath,
		Parameters:     d.entry.Parameters,
		IdempotencyKey: d.entry.IdempotencyKey,
		DedupPolicy:    job.DeduplicationPolicy(d.entry.DedupPolicy),
	}
}

func (d *jobDelivery) Ack(ctx context.Context) error {
	return d.queue.release(ctx, d.entry)
}

func (d *jobDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	q := d.queue
	entry := d.entry
	entry.Reason = strings.TrimSpace(opts.Reason)
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redisbus: encode job: %w", err)
	}
	switch {
	case opts.DeadLetter:
		if err := q.client.LPush(ctx, q.deadKey(), string(raw)).Err(); err != nil {
			return fmt.Errorf("redisbus: dead letter %s: %w", entry.JobID, err)
		}
		return q.release(ctx, entry)
	case opts.Requeue && opts.Delay > 0:
		score := float64(q.now().Add(opts.Delay).UnixMilli())
		if err := q.client.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: score, Member: string(raw)}).Err(); err != nil {
			return fmt.Errorf("redisbus: delay %s: %w", entry.JobID, err)
		}
		return nil
	case opts.Requeue:
		if err := q.client.LPush(ctx, q.readyKey(), string(raw)).Err(); err != nil {
			return fmt.Errorf("redisbus: requeue %s: %w", entry.JobID, err)
		}
		return nil
	}
	return q.release(ctx, entry)
}

var (
	_ queue.Enqueuer = (*JobQueue)(nil)
	_ queue.Dequeuer = (*JobQueue)(nil)
	_ queue.Delivery = (*jobDelivery)(nil)
)
