package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// State is the lifecycle position of a job inside the store.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrNoHandler is recorded for jobs whose type has no registered handler.
	ErrNoHandler = errors.New("queue: no handler registered for job type")
	// ErrHandlerExists is returned when a job type is registered twice.
	ErrHandlerExists = errors.New("queue: handler already registered for job type")
	// ErrLockLost means the job lock expired before the result was recorded.
	ErrLockLost = errors.New("queue: job lock lost")
	// ErrJobNotFound is returned when no job exists for an id.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrNotFailed is returned by Retry for jobs outside the failed state.
	ErrNotFailed = errors.New("queue: job is not in the failed state")
	// ErrStalled is recorded for jobs that lost their lock more than MaxStalled times.
	ErrStalled = errors.New("queue: job stalled more than allowable limit")
	// ErrAlreadyRunning is returned when Run is called twice concurrently.
	ErrAlreadyRunning = errors.New("queue: manager already running")
)

// Job is a unit of work held by the store. Handlers must treat it as read-only.
type Job struct {
	ID           string
	Type         string
	Data         json.RawMessage
	State        State
	AttemptsMade int
	MaxAttempts  int
	StalledCount int
	FailedReason string
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
}

// WillRetry reports whether the store scheduled another attempt after a failure.
func (j *Job) WillRetry() bool {
	return j.State == StateDelayed
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// Handler processes one job. A nil return resolves the job; an error rejects it.
type Handler func(ctx context.Context, job *Job) error

// JobOption customises a single job at enqueue time.
type JobOption func(*jobOptions)

type jobOptions struct {
	attempts int
	delay    time.Duration
}

// WithAttempts overrides the retry policy's attempt limit for one job.
func WithAttempts(n int) JobOption {
	return func(o *jobOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithDelay holds the job in the delayed set before it becomes claimable.
func WithDelay(d time.Duration) JobOption {
	return func(o *jobOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

func (j *Job) fields() map[string]any {
	return map[string]any{
		"id":            j.ID,
		"type":          j.Type,
		"data":          string(j.Data),
		"state":         string(j.State),
		"attempts_made": j.AttemptsMade,
		"max_attempts":  j.MaxAttempts,
		"created_at":    j.CreatedAt.UnixMilli(),
	}
}

func jobFromHash(h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	job := &Job{
		ID:           h["id"],
		Type:         h["type"],
		Data:         json.RawMessage(h["data"]),
		State:        State(h["state"]),
		FailedReason: h["failed_reason"],
	}
	var err error
	if job.AttemptsMade, err = atoi(h["attempts_made"]); err != nil {
		return nil, err
	}
	if job.MaxAttempts, err = atoi(h["max_attempts"]); err != nil {
		return nil, err
	}
	if job.StalledCount, err = atoi(h["stalled_count"]); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = millis(h["created_at"]); err != nil {
		return nil, err
	}
	if job.ProcessedAt, err = millis(h["processed_at"]); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = millis(h["finished_at"]); err != nil {
		return nil, err
	}
	return job, nil
}

func atoi(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func millis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
