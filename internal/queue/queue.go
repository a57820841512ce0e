// Package queue is the durable hand-off between source entrypoints and the
// classify-and-post workers, backed by Redis lists. Delivery is at least
// once: the central server deduplicates by (stories_id, model_id), so a
// replayed job is wasted work but never wrong data.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"storyproc/internal/core"
	"storyproc/internal/logger"
)

// Default retry policy. One job is executed at most MaxAttempts times before
// it lands on the dead letter list.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 10 * time.Minute
)

// Job is one classify-and-post unit: a project and a batch of its stories.
type Job struct {
	ID          string                  `json:"id"`
	Attempts    int                     `json:"attempts"` // executions so far
	MaxAttempts int                     `json:"max_attempts"`
	EnqueuedAt  time.Time               `json:"enqueued_at"`
	Project     core.Project            `json:"project"`
	Stories     []core.CandidateArticle `json:"stories"`

	// raw is the exact payload delivered from Redis, needed to remove the
	// job from its processing list.
	raw string
}

// Options configures a queue; zero values take the defaults above.
type Options struct {
	Name        string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Queue wraps one Redis connection and the key family for one queue name.
type Queue struct {
	rdb         *redis.Client
	name        string
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	log         *slog.Logger
}

// New connects to the broker. brokerURL uses the redis URL scheme, e.g.
// redis://localhost:6379/0.
func New(brokerURL string, opts Options) (*Queue, error) {
	parsed, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: broker url: %v", core.ErrConfig, err)
	}

	if opts.Name == "" {
		opts.Name = "storyproc"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}

	return &Queue{
		rdb:         redis.NewClient(parsed),
		name:        opts.Name,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		log:         logger.Get(),
	}, nil
}

// Ping verifies the broker connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close closes the broker connection.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

func (q *Queue) pendingKey() string { return q.name + ":pending" }
func (q *Queue) retryKey() string   { return q.name + ":retry" }
func (q *Queue) deadKey() string    { return q.name + ":dead" }

func (q *Queue) processingKey(consumer string) string {
	return q.name + ":processing:" + consumer
}

// Enqueue appends one job to the pending list and returns its id.
func (q *Queue) Enqueue(ctx context.Context, project core.Project, stories []core.CandidateArticle) (string, error) {
	job := &Job{
		ID:          uuid.NewString(),
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
		Project:     project,
		Stories:     stories,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.log.Debug("Enqueued job", "job_id", job.ID, "project_id", project.ID, "stories", len(stories))
	return job.ID, nil
}

// Dequeue moves the oldest pending job into this consumer's processing list
// and returns it. Blocks up to wait when the queue is empty; returns nil
// when nothing arrived in time. A corrupt payload is buried and skipped.
func (q *Queue) Dequeue(ctx context.Context, consumer string, wait time.Duration) (*Job, error) {
	processing := q.processingKey(consumer)

	raw, err := q.rdb.LMove(ctx, q.pendingKey(), processing, "RIGHT", "LEFT").Result()
	if err == redis.Nil && wait > 0 {
		raw, err = q.rdb.BLMove(ctx, q.pendingKey(), processing, "RIGHT", "LEFT", wait).Result()
	}
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.log.Error("Burying corrupt job payload", "consumer", consumer, "error", err.Error())
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, processing, 1, raw)
		pipe.LPush(ctx, q.deadKey(), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("bury corrupt job: %w", err)
		}
		return nil, nil
	}

	job.raw = raw
	return &job, nil
}

// Ack removes a finished job from the consumer's processing list.
func (q *Queue) Ack(ctx context.Context, consumer string, job *Job) error {
	if job.raw == "" {
		return nil
	}
	if err := q.rdb.LRem(ctx, q.processingKey(consumer), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Retry reschedules a failed job with exponential backoff, or buries it once
// its attempts are exhausted. Returns true when the job was rescheduled.
func (q *Queue) Retry(ctx context.Context, consumer string, job *Job) (bool, error) {
	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		if err := q.Bury(ctx, consumer, job); err != nil {
			return false, err
		}
		q.log.Warn("Job exhausted its attempts",
			"job_id", job.ID, "project_id", job.Project.ID, "attempts", job.Attempts)
		return false, nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal retry job: %w", err)
	}

	delay := q.backoffDelay(job.Attempts)
	due := time.Now().UTC().Add(delay)

	pipe := q.rdb.TxPipeline()
	if job.raw != "" {
		pipe.LRem(ctx, q.processingKey(consumer), 1, job.raw)
	}
	pipe.ZAdd(ctx, q.retryKey(), redis.Z{Score: float64(due.Unix()), Member: payload})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
	}

	q.log.Info("Scheduled job retry",
		"job_id", job.ID, "project_id", job.Project.ID, "attempt", job.Attempts, "delay", delay.String())
	return true, nil
}

// Bury moves a job to the dead letter list.
func (q *Queue) Bury(ctx context.Context, consumer string, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dead job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	if job.raw != "" {
		pipe.LRem(ctx, q.processingKey(consumer), 1, job.raw)
	}
	pipe.LPush(ctx, q.deadKey(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bury job %s: %w", job.ID, err)
	}
	return nil
}

// PromoteDue moves retry-scheduled jobs whose backoff has elapsed back onto
// the pending list. Safe to run from every worker concurrently.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	promoted := 0
	for _, member := range members {
		// Whoever removes the member from the set owns the promotion.
		removed, err := q.rdb.ZRem(ctx, q.retryKey(), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim due retry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.pendingKey(), member).Err(); err != nil {
			return promoted, fmt.Errorf("promote due retry: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueOrphans returns jobs stranded in a consumer's processing list to
// pending. Workers call this for their own name on startup so a crash never
// loses work.
func (q *Queue) RequeueOrphans(ctx context.Context, consumer string) (int, error) {
	moved := 0
	for {
		err := q.rdb.LMove(ctx, q.processingKey(consumer), q.pendingKey(), "RIGHT", "LEFT").Err()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("requeue orphans: %w", err)
		}
		moved++
	}
}

// Stats reports the queue depths.
type Stats struct {
	Pending int64
	Retry   int64
	Dead    int64
}

// Stats returns current queue depths.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pending, err := q.rdb.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("pending depth: %w", err)
	}
	retry, err := q.rdb.ZCard(ctx, q.retryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("retry depth: %w", err)
	}
	dead, err := q.rdb.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("dead depth: %w", err)
	}
	return &Stats{Pending: pending, Retry: retry, Dead: dead}, nil
}

// backoffDelay doubles per attempt from the base, capped, with up to 25%
// jitter so a burst of failures does not thunder back in lockstep.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	delay := q.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.backoffCap {
			delay = q.backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > q.backoffCap {
		delay = q.backoffCap
	}
	return delay
}
