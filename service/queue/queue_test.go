package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabhub/tools/errs"
)

func newTestQueue(t *testing.T, cfg Config) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, New(rdb, cfg)
}

func payloadFor(doc string) UpdatePayload {
	body := "body of " + doc
	return UpdatePayload{
		DocumentID:  doc,
		PrincipalID: "alice",
		Updates:     UpdateFields{Body: &body},
	}
}

func TestQueueFIFO(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, payloadFor("doc2"))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	first, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, id1, first.ID)
	assert.Equal(t, "doc1", first.Payload.DocumentID)
	assert.NotZero(t, first.ProcessingStartedAt)

	second, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, id2, second.ID)

	empty, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestQueueCompleteClearsProcessing(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 0, Processing: 1, Failed: 0}, stats)

	require.NoError(t, q.Complete(ctx, job.ID))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestQueueRetryOnTransientFailure(t *testing.T) {
	// zero backoff re-enqueues synchronously
	_, q := newTestQueue(t, Config{MaxAttempts: 3, Backoff: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job, errs.ErrTransient.WithDetail("db hiccup"), true))

	retried, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempts)
	assert.Empty(t, retried.Error)
}

func TestQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 2, Backoff: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		job, err := q.DequeueOne(ctx)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		require.NoError(t, q.Fail(ctx, job, errs.ErrTransient.WithDetail("still down"), true))
	}

	// both attempts burned: nothing pending, one dead letter
	none, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.NotEmpty(t, failed[0].Error)
	assert.NotZero(t, failed[0].FailedAt)
}

func TestQueueNonRetryableGoesStraightToDeadLetter(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 3, Backoff: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job, errs.ErrAccessDenied.WithDetail("revoked"), false))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 0, Processing: 0, Failed: 1}, stats)
}

func TestQueueRetryFailed(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 1, Backoff: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errs.ErrTransient.WithDetail("down"), true))

	require.NoError(t, q.RetryFailed(ctx, job.ID))

	revived, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, revived)
	assert.Equal(t, job.ID, revived.ID)
	assert.Zero(t, revived.Attempts)
	assert.Empty(t, revived.Error)

	err = q.RetryFailed(ctx, "job_0_nope")
	assert.True(t, errs.IsNotFound(err))
}

func TestQueueClear(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 1, Backoff: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, payloadFor("doc2"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errs.ErrTransient, true))

	require.NoError(t, q.Clear(ctx))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestQueueFailWithExpiredContextStillDeadLetters(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 1, Backoff: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)

	// a job that blew its soft timeout hands Fail an already-dead context;
	// the state move must still happen or the job is orphaned in processing
	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	require.Error(t, expired.Err())

	require.NoError(t, q.Fail(expired, job, errs.ErrTransient.WithDetail("job timed out"), true))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 0, Processing: 0, Failed: 1}, stats)
}

func TestQueueFailWithExpiredContextStillRetries(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 3, Backoff: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	require.NoError(t, q.Fail(expired, job, errs.ErrTransient.WithDetail("job timed out"), true))

	retried, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempts)
}

func TestQueueCompleteWithExpiredContext(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	require.NoError(t, q.Complete(expired, job.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestQueueDelayedRetryIsScheduled(t *testing.T) {
	_, q := newTestQueue(t, Config{MaxAttempts: 3, Backoff: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, payloadFor("doc1"))
	require.NoError(t, err)
	job, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errs.ErrTransient.WithDetail("down"), true))

	// not back yet: the retry waits out the backoff in the background
	immediate, err := q.DequeueOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, immediate)

	assert.Eventually(t, func() bool {
		j, err := q.DequeueOne(ctx)
		return err == nil && j != nil && j.ID == job.ID
	}, time.Second, 10*time.Millisecond)
}
