package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type emailData struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func newTestManager(t *testing.T, opts Options) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return NewManager(client, "emailQueue", zap.NewNop().Sugar(), opts), mr
}

func claimOne(t *testing.T, m *Manager) (*Job, string) {
	t.Helper()
	job, token, err := m.claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")
	return job, token
}

func counts(t *testing.T, m *Manager) map[State]int64 {
	t.Helper()
	c, err := m.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func TestAddAndGet(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	job, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com", Subject: "Hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	loaded, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, "sendEmail", loaded.Type)
	assert.Equal(t, StateWaiting, loaded.State)
	assert.Equal(t, 3, loaded.MaxAttempts)
	assert.Zero(t, loaded.AttemptsMade)
	assert.JSONEq(t, `{"to":"a@x.com","subject":"Hi"}`, string(loaded.Data))

	var data emailData
	require.NoError(t, loaded.Decode(&data))
	assert.Equal(t, "a@x.com", data.To)

	assert.Equal(t, int64(1), counts(t, m)[StateWaiting])
}

func TestGetMissingJob(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClaimIsFIFO(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	first, err := m.Add(ctx, "sendEmail", emailData{To: "first@x.com"})
	require.NoError(t, err)
	second, err := m.Add(ctx, "sendEmail", emailData{To: "second@x.com"})
	require.NoError(t, err)

	job, _ := claimOne(t, m)
	assert.Equal(t, first.ID, job.ID)
	assert.Equal(t, StateActive, job.State)
	job, _ = claimOne(t, m)
	assert.Equal(t, second.ID, job.ID)

	empty, _, err := m.claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestProcessSuccess(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	var handled, completed, failed int
	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error {
		handled++
		return nil
	}))
	m.OnCompleted(func(job *Job) { completed++ })
	m.OnFailed(func(job *Job, err error) { failed++ })

	added, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)

	job, token := claimOne(t, m)
	m.process(ctx, job, token)

	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)

	c := counts(t, m)
	assert.Equal(t, int64(0), c[StateActive])
	assert.Equal(t, int64(1), c[StateCompleted])

	loaded, err := m.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, loaded.State)
	assert.Equal(t, 1, loaded.AttemptsMade)
	assert.False(t, loaded.FinishedAt.IsZero())
}

func TestProcessFailureSchedulesRetry(t *testing.T) {
	m, _ := newTestManager(t, Options{Retry: RetryPolicy{Attempts: 3, Backoff: BackoffFixed, Delay: time.Minute}})
	ctx := context.Background()

	sendErr := errors.New("535 5.7.8 Authentication credentials invalid")
	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error {
		return sendErr
	}))

	var seen *Job
	var seenErr error
	m.OnFailed(func(job *Job, err error) {
		seen = job
		seenErr = err
	})

	added, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)

	job, token := claimOne(t, m)
	m.process(ctx, job, token)

	require.NotNil(t, seen)
	assert.Same(t, sendErr, seenErr)
	assert.Equal(t, added.ID, seen.ID)
	assert.True(t, seen.WillRetry())
	assert.Equal(t, sendErr.Error(), seen.FailedReason)

	c := counts(t, m)
	assert.Equal(t, int64(1), c[StateDelayed])
	assert.Equal(t, int64(0), c[StateActive])
	assert.Equal(t, int64(0), c[StateWaiting])

	// Not due yet.
	m.promoteDue(ctx)
	assert.Equal(t, int64(0), counts(t, m)[StateWaiting])

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m.promoteDue(ctx)
	c = counts(t, m)
	assert.Equal(t, int64(1), c[StateWaiting])
	assert.Equal(t, int64(0), c[StateDelayed])

	retried, _ := claimOne(t, m)
	assert.Equal(t, added.ID, retried.ID)
	assert.Equal(t, 1, retried.AttemptsMade)
}

func TestProcessFailureDeadLettersAfterAttempts(t *testing.T) {
	m, _ := newTestManager(t, Options{Retry: RetryPolicy{Attempts: 2, Backoff: BackoffFixed}})
	ctx := context.Background()

	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error {
		return errors.New("relay unavailable")
	}))
	var retries []bool
	m.OnFailed(func(job *Job, err error) { retries = append(retries, job.WillRetry()) })

	added, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)

	job, token := claimOne(t, m)
	m.process(ctx, job, token)
	m.promoteDue(ctx)
	job, token = claimOne(t, m)
	m.process(ctx, job, token)

	assert.Equal(t, []bool{true, false}, retries)

	loaded, err := m.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, loaded.State)
	assert.Equal(t, 2, loaded.AttemptsMade)
	assert.Equal(t, "relay unavailable", loaded.FailedReason)

	ids, err := m.Failed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{added.ID}, ids)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	m, _ := newTestManager(t, Options{Retry: RetryPolicy{
		Attempts:  5,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}})
	ctx := context.Background()

	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error { return permanent }))
	_, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)

	job, token := claimOne(t, m)
	m.process(ctx, job, token)

	assert.Equal(t, int64(1), counts(t, m)[StateFailed])
}

func TestUnregisteredTypeIsRejected(t *testing.T) {
	m, _ := newTestManager(t, Options{Retry: RetryPolicy{Attempts: 1}})
	ctx := context.Background()

	var got error
	m.OnFailed(func(job *Job, err error) { got = err })

	_, err := m.Add(ctx, "printReceipt", map[string]string{"order": "42"})
	require.NoError(t, err)

	job, token := claimOne(t, m)
	m.process(ctx, job, token)

	assert.ErrorIs(t, got, ErrNoHandler)
	assert.Equal(t, int64(1), counts(t, m)[StateFailed])
}

func TestHandlerPanicIsRecordedAsFailure(t *testing.T) {
	m, _ := newTestManager(t, Options{Retry: RetryPolicy{Attempts: 1}})
	ctx := context.Background()

	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error {
		panic("boom")
	}))
	var got error
	m.OnFailed(func(job *Job, err error) { got = err })

	_, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)
	job, token := claimOne(t, m)
	m.process(ctx, job, token)

	require.Error(t, got)
	assert.Contains(t, got.Error(), "boom")
}

func TestHandleRejectsDuplicateRegistration(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	h := func(ctx context.Context, job *Job) error { return nil }
	require.NoError(t, m.Handle("sendEmail", h))
	assert.ErrorIs(t, m.Handle("sendEmail", h), ErrHandlerExists)
}

func TestLostLockSkipsCompletion(t *testing.T) {
	m, mr := newTestManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error { return nil }))
	completed := 0
	m.OnCompleted(func(job *Job) { completed++ })

	_, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)
	job, token := claimOne(t, m)

	mr.Del(m.keys.lock(job.ID))
	m.process(ctx, job, token)

	assert.Zero(t, completed)
	assert.Equal(t, int64(0), counts(t, m)[StateCompleted])
}

func TestRecoverStalledJobs(t *testing.T) {
	m, mr := newTestManager(t, Options{LockTTL: time.Second, MaxStalled: 1})
	ctx := context.Background()

	added, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)

	claimOne(t, m)
	m.recoverStalled(ctx)
	assert.Equal(t, int64(1), counts(t, m)[StateActive], "locked job must not be recovered")

	mr.FastForward(2 * time.Second)
	m.recoverStalled(ctx)
	c := counts(t, m)
	assert.Equal(t, int64(0), c[StateActive])
	assert.Equal(t, int64(1), c[StateWaiting])

	loaded, err := m.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.StalledCount)

	claimOne(t, m)
	mr.FastForward(2 * time.Second)
	m.recoverStalled(ctx)
	c = counts(t, m)
	assert.Equal(t, int64(1), c[StateFailed])

	loaded, err = m.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, loaded.State)
	assert.Contains(t, loaded.FailedReason, "stalled")
}

func TestStalledJobOverLimitEmitsFailed(t *testing.T) {
	m, mr := newTestManager(t, Options{LockTTL: time.Second, MaxStalled: 0})
	ctx := context.Background()

	var (
		failedJob *Job
		cause     error
		events    int
	)
	m.OnFailed(func(job *Job, err error) {
		events++
		failedJob, cause = job, err
	})

	added, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)
	claimOne(t, m)
	mr.Del(m.keys.lock(added.ID))

	m.recoverStalled(ctx)
	require.Equal(t, 1, events)
	assert.ErrorIs(t, cause, ErrStalled)
	assert.Equal(t, added.ID, failedJob.ID)
	assert.Equal(t, StateFailed, failedJob.State)
	assert.False(t, failedJob.WillRetry())
	assert.Equal(t, ErrStalled.Error(), failedJob.FailedReason)
	assert.Equal(t, int64(1), counts(t, m)[StateFailed])
}

func TestRetryFailedJob(t *testing.T) {
	m, _ := newTestManager(t, Options{Retry: RetryPolicy{Attempts: 1}})
	ctx := context.Background()

	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error {
		return errors.New("relay unavailable")
	}))
	added, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Retry(ctx, added.ID), ErrNotFailed)
	assert.ErrorIs(t, m.Retry(ctx, "missing"), ErrJobNotFound)

	job, token := claimOne(t, m)
	m.process(ctx, job, token)
	require.Equal(t, int64(1), counts(t, m)[StateFailed])

	require.NoError(t, m.Retry(ctx, added.ID))
	c := counts(t, m)
	assert.Equal(t, int64(0), c[StateFailed])
	assert.Equal(t, int64(1), c[StateWaiting])

	loaded, err := m.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, loaded.State)
	assert.Zero(t, loaded.AttemptsMade)
	assert.Empty(t, loaded.FailedReason)
}

func TestAddWithOptions(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	job, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"}, WithAttempts(7), WithDelay(time.Hour))
	require.NoError(t, err)

	loaded, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.MaxAttempts)
	assert.Equal(t, StateDelayed, loaded.State)

	c := counts(t, m)
	assert.Equal(t, int64(1), c[StateDelayed])
	assert.Equal(t, int64(0), c[StateWaiting])
}

func TestKeepCompletedTrimsOldJobs(t *testing.T) {
	m, _ := newTestManager(t, Options{KeepCompleted: 2})
	ctx := context.Background()
	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error { return nil }))

	var ids []string
	for range 3 {
		job, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		claimed, token := claimOne(t, m)
		m.process(ctx, claimed, token)
	}

	assert.Equal(t, int64(2), counts(t, m)[StateCompleted])
	_, err := m.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Get(ctx, ids[2])
	assert.NoError(t, err)
}

func TestRunHandlesJobsIndependently(t *testing.T) {
	m, _ := newTestManager(t, Options{Retry: RetryPolicy{Attempts: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Handle("sendEmail", func(ctx context.Context, job *Job) error {
		var data emailData
		if err := job.Decode(&data); err != nil {
			return err
		}
		if data.To == "bad@x.com" {
			return errors.New("mailbox unavailable")
		}
		return nil
	}))

	var mu sync.Mutex
	outcome := map[string]State{}
	m.OnCompleted(func(job *Job) {
		mu.Lock()
		defer mu.Unlock()
		outcome[job.ID] = job.State
	})
	m.OnFailed(func(job *Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		outcome[job.ID] = job.State
	})

	var ids []string
	for _, to := range []string{"one@x.com", "bad@x.com", "three@x.com"} {
		job, err := m.Add(ctx, "sendEmail", emailData{To: to})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 3) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcome) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateCompleted, outcome[ids[0]])
	assert.Equal(t, StateFailed, outcome[ids[1]])
	assert.Equal(t, StateCompleted, outcome[ids[2]])
}

func TestRunFinishesInFlightJobOnCancel(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	var handled int
	var mu sync.Mutex
	require.NoError(t, m.Handle("sendEmail", func(hctx context.Context, job *Job) error {
		mu.Lock()
		handled++
		mu.Unlock()
		close(started)
		<-release
		return hctx.Err()
	}))

	first, err := m.Add(ctx, "sendEmail", emailData{To: "a@x.com"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 1) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked")
	}

	cancel()
	second, err := m.Add(context.Background(), "sendEmail", emailData{To: "b@x.com"})
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatalf("Run returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after the in-flight job finished")
	}

	loaded, err := m.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, loaded.State, "in-flight handler context must not be cancelled")

	loaded, err = m.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, loaded.State)
	mu.Lock()
	assert.Equal(t, 1, handled)
	mu.Unlock()
}

func TestRunRejectsConcurrentStart(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 1) }()
	require.Eventually(t, func() bool { return m.running.Load() }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Run(ctx, 1), ErrAlreadyRunning)
	cancel()
	require.NoError(t, <-done)
}
