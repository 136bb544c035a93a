package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sunsetsmail/queue"
)

func testOpen(t *testing.T) OpenFunc {
	t.Helper()
	mr := miniredis.RunT(t)
	return func(ctx context.Context) (*queue.Manager, error) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return queue.NewManager(client, "emailQueue", zap.NewNop().Sugar(), queue.Options{
			Retry: queue.RetryPolicy{Attempts: 1},
		}), nil
	}
}

func execute(t *testing.T, open OpenFunc, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(&out, open)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandStructure(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{}, nil)
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"enqueue", "stats", "get", "failed", "retry"} {
		assert.Contains(t, names, want)
	}
}

func TestEnqueueAndGet(t *testing.T) {
	open := testOpen(t)

	out, err := execute(t, open, "enqueue", "--to", "a@x.com", "--subject", "Hi", "--text", "hello", "-o", "json")
	require.NoError(t, err)
	var queued map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &queued))
	require.NotEmpty(t, queued["id"])
	assert.Equal(t, "waiting", queued["state"])

	out, err = execute(t, open, "get", queued["id"], "-o", "json")
	require.NoError(t, err)
	var view jobView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "sendEmail", view.Type)
	assert.JSONEq(t, `{"to":"a@x.com","subject":"Hi","text":"hello"}`, string(view.Data))
}

func TestEnqueueRequiresRecipient(t *testing.T) {
	_, err := execute(t, testOpen(t), "enqueue", "--subject", "Hi")
	assert.ErrorContains(t, err, "--to is required")
}

func TestStats(t *testing.T) {
	open := testOpen(t)
	_, err := execute(t, open, "enqueue", "--to", "a@x.com")
	require.NoError(t, err)
	_, err = execute(t, open, "enqueue", "--to", "b@x.com", "--delay", "1h")
	require.NoError(t, err)

	out, err := execute(t, open, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "queue emailQueue")
	assert.Regexp(t, `waiting\s+1`, out)
	assert.Regexp(t, `delayed\s+1`, out)
	assert.Regexp(t, `failed\s+0`, out)
}

func TestFailedAndRetry(t *testing.T) {
	open := testOpen(t)
	ctx := context.Background()

	q, err := open(ctx)
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.Handle("sendEmail", func(ctx context.Context, job *queue.Job) error {
		return assert.AnError
	}))
	job, err := q.Add(ctx, "sendEmail", map[string]string{"to": "a@x.com"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(runCtx, 1)
	}()
	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c[queue.StateFailed] == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	out, err := execute(t, open, "failed")
	require.NoError(t, err)
	assert.Equal(t, job.ID, strings.TrimSpace(out))

	out, err = execute(t, open, "retry", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued "+job.ID)

	_, err = execute(t, open, "retry", job.ID)
	assert.ErrorIs(t, err, queue.ErrNotFailed)
}
