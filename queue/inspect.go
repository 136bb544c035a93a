package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Get loads a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	h, err := m.client.HGetAll(ctx, m.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	job, err := jobFromHash(h)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Counts returns the number of jobs per state.
func (m *Manager) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := m.client.Pipeline()
	waiting := pipe.LLen(ctx, m.keys.wait)
	active := pipe.LLen(ctx, m.keys.active)
	delayed := pipe.ZCard(ctx, m.keys.delayed)
	completed := pipe.LLen(ctx, m.keys.completed)
	failed := pipe.LLen(ctx, m.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return map[State]int64{
		StateWaiting:   waiting.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// Failed returns up to limit ids from the failed (dead-letter) list, newest first.
func (m *Manager) Failed(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := m.client.LRange(ctx, m.keys.failed, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	return ids, nil
}

// Retry moves a failed job back to the wait list with a fresh attempt budget.
func (m *Manager) Retry(ctx context.Context, id string) error {
	moved, err := retryScript.Run(ctx, m.client,
		[]string{m.keys.failed, m.keys.wait, m.keys.job(id)}, id,
	).Int()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if moved == 0 {
		if _, err := m.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotFailed, id)
	}
	m.log.Infow("Failed job requeued", "id", id)
	return nil
}
