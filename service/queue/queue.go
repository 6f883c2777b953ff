package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"collabhub/logger"
	"collabhub/tools/errs"
	"collabhub/tools/safe"
)

const (
	pendingKey    = "document-updates"
	processingKey = "processing-jobs"
	failedKey     = "failed-jobs"
)

// Queue is the durable FIFO of pending document-update work.
//
// Enqueue is LPUSH (head), DequeueOne is RPOP (tail): first in, first out.
// The pop and the processing-set write are not atomic; a crash in between
// orphans one job, which is acceptable because the client retries on its
// next save and the content cache short-circuits a re-enqueue of state that
// already matches.
type Queue struct {
	rdb         redis.UniversalClient
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

type Config struct {
	MaxAttempts int
	Backoff     time.Duration
}

func New(rdb redis.UniversalClient, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Queue{rdb: rdb, maxAttempts: cfg.MaxAttempts, backoff: cfg.Backoff, now: time.Now}
}

// Enqueue appends a document-update job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload UpdatePayload) (string, error) {
	now := q.now().UnixMilli()
	job := Job{
		ID:          fmt.Sprintf("job_%d_%s", now, uuid.NewString()[:8]),
		Type:        TypeDocumentUpdate,
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		BackoffMs:   q.backoff.Milliseconds(),
		CreatedAt:   now,
	}
	if err := q.push(ctx, &job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// bookkeepingContext is the detached, bounded context for state moves
// between the pending list, the processing set, and the dead-letter list.
func (q *Queue) bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return errors.Wrap(q.rdb.LPush(ctx, pendingKey, raw).Err(), "push job")
}

// DequeueOne pops the oldest pending job and moves it into the processing
// set. Returns nil when the queue is empty.
func (q *Queue) DequeueOne(ctx context.Context) (*Job, error) {
	raw, err := q.rdb.RPop(ctx, pendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "pop job")
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errors.Wrap(err, "unmarshal job")
	}
	job.ProcessingStartedAt = q.now().UnixMilli()
	snap, err := json.Marshal(job)
	if err != nil {
		return nil, errors.Wrap(err, "marshal processing snapshot")
	}
	if err := q.rdb.HSet(ctx, processingKey, job.ID, snap).Err(); err != nil {
		return nil, errors.Wrap(err, "record processing")
	}
	return &job, nil
}

// Complete removes a finished job from the processing set. The write runs on
// a detached context: the caller's deadline may already be spent on the job
// itself, and a job stuck in the processing set has no reclaimer.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	wctx, cancel := q.bookkeepingContext()
	defer cancel()
	return errors.Wrap(q.rdb.HDel(wctx, processingKey, jobID).Err(), "complete job")
}

// Fail removes the job from the processing set and either schedules a retry
// or, when retries are exhausted or the cause is not retryable, moves it to
// the dead-letter list. Like Complete, the bookkeeping runs detached: on the
// soft-timeout path the caller's context is expired by definition, and the
// job must still land in exactly one of pending or failed.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error, retryable bool) error {
	wctx, cancel := q.bookkeepingContext()
	defer cancel()

	if err := q.rdb.HDel(wctx, processingKey, job.ID).Err(); err != nil {
		logger.Warnf("[queue] drop processing entry %s: %v", job.ID, err)
	}
	job.Attempts++
	job.ProcessingStartedAt = 0

	if !retryable || job.Attempts >= job.MaxAttempts {
		job.Error = cause.Error()
		job.FailedAt = q.now().UnixMilli()
		raw, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal dead job")
		}
		logger.Warnf("[queue] job %s dead after %d attempts: %v", job.ID, job.Attempts, cause)
		return errors.Wrap(q.rdb.LPush(wctx, failedKey, raw).Err(), "push dead job")
	}

	delay := time.Duration(job.BackoffMs) * time.Millisecond
	job.ScheduledFor = q.now().Add(delay).UnixMilli()
	logger.Infof("[queue] job %s attempt %d/%d failed, retrying in %s: %v",
		job.ID, job.Attempts, job.MaxAttempts, delay, cause)
	if delay <= 0 {
		return q.push(wctx, job)
	}
	retry := *job
	safe.Go(func() {
		time.Sleep(delay)
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.push(rctx, &retry); err != nil {
			logger.Errorf("[queue] re-enqueue %s failed: %v", retry.ID, err)
		}
	})
	return nil
}

// Stats returns pending/processing/failed counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, pendingKey)
	processing := pipe.HLen(ctx, processingKey)
	failed := pipe.LLen(ctx, failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "queue stats")
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}, nil
}

// FailedJobs returns up to limit jobs from the dead-letter list, newest
// first.
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.rdb.LRange(ctx, failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list failed jobs")
	}
	out := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			logger.Warnf("[queue] bad dead-letter record: %v", err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// RetryFailed moves a dead-lettered job back to pending with its attempts
// reset.
func (q *Queue) RetryFailed(ctx context.Context, jobID string) error {
	raws, err := q.rdb.LRange(ctx, failedKey, 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "scan dead letters")
	}
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.ID != jobID {
			continue
		}
		if err := q.rdb.LRem(ctx, failedKey, 1, raw).Err(); err != nil {
			return errors.Wrap(err, "remove dead letter")
		}
		job.Attempts = 0
		job.Error = ""
		job.FailedAt = 0
		job.ScheduledFor = 0
		return q.push(ctx, &job)
	}
	return errs.ErrNotFound.WrapMsg("failed job", "id", jobID)
}

// Clear drops all three queue structures. Admin only.
func (q *Queue) Clear(ctx context.Context) error {
	return errors.Wrap(q.rdb.Del(ctx, pendingKey, processingKey, failedKey).Err(), "clear queues")
}
