// Package worker consumes sendEmail jobs from the queue store and hands
// them to the mail transport.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sunsetsmail/delivery"
	"sunsetsmail/internal/email"
	"sunsetsmail/internal/metrics"
	"sunsetsmail/queue"
	"sunsetsmail/storage"
)

const (
	// QueueName is the queue producers enqueue email jobs on.
	QueueName = "emailQueue"
	// JobType tags email jobs.
	JobType = "sendEmail"
)

// ErrClosed is returned by Run once Shutdown has been called.
var ErrClosed = errors.New("worker: shut down")

// JobQueue is the part of the queue store the worker relies on.
type JobQueue interface {
	Name() string
	Handle(jobType string, h queue.Handler) error
	OnCompleted(fn func(*queue.Job))
	OnFailed(fn func(*queue.Job, error))
	Run(ctx context.Context, concurrency int) error
	Close() error
}

// Options configures a Worker.
type Options struct {
	// Concurrency bounds the number of jobs handled at once. Defaults to 1.
	Concurrency int
	// DeadLetters, when set, receives a copy of every job that fails permanently.
	DeadLetters *storage.Spool
	// Unconfigured is returned for every job when the transport is nil. It
	// should carry the reason the transport could not be built at startup.
	Unconfigured *delivery.ConfigurationError
}

// Worker owns the email handler registration and its lifecycle.
type Worker struct {
	queue        JobQueue
	transport    delivery.Transport
	log          *zap.SugaredLogger
	concurrency  int
	deadLetters  *storage.Spool
	unconfigured *delivery.ConfigurationError

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	closing sync.Once
	closed  error
}

// New registers the sendEmail handler on q. transport may be nil, in which
// case every job is rejected with a *delivery.ConfigurationError.
func New(q JobQueue, transport delivery.Transport, log *zap.SugaredLogger, opts Options) (*Worker, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	w := &Worker{
		queue:        q,
		transport:    transport,
		log:          log.With("queue", q.Name()),
		concurrency:  opts.Concurrency,
		deadLetters:  opts.DeadLetters,
		unconfigured: opts.Unconfigured,
	}
	if w.unconfigured == nil {
		w.unconfigured = &delivery.ConfigurationError{Reason: "no mail transport configured"}
	}
	if err := q.Handle(JobType, w.handle); err != nil {
		return nil, fmt.Errorf("register %s handler: %w", JobType, err)
	}
	q.OnCompleted(w.completed)
	q.OnFailed(w.failed)
	return w, nil
}

// Run handles jobs until ctx is cancelled or Shutdown is called, then waits
// for in-flight jobs to finish. A Worker runs once; after Shutdown it
// returns ErrClosed without claiming anything.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.done != nil {
		w.mu.Unlock()
		return queue.ErrAlreadyRunning
	}
	done := make(chan struct{})
	w.cancel, w.done = cancel, done
	w.mu.Unlock()
	defer close(done)

	if w.transport == nil {
		w.log.Warnw("No mail transport configured; email jobs will fail until configuration is fixed", "error", w.unconfigured.Error())
	}
	w.log.Infow("Email worker started", "jobType", JobType, "concurrency", w.concurrency)
	err := w.queue.Run(ctx, w.concurrency)
	w.log.Info("Email worker stopped")
	return err
}

// Shutdown stops new jobs from being claimed, waits for in-flight jobs until
// ctx expires and then closes the queue store connection.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	var waitErr error
	if cancel != nil {
		w.log.Info("Shutting down email worker")
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("wait for in-flight jobs: %w", ctx.Err())
			w.log.Warnw("Shutdown deadline reached with jobs in flight", "error", ctx.Err())
		}
	}
	return errors.Join(waitErr, w.closeStore())
}

func (w *Worker) closeStore() error {
	w.closing.Do(func() {
		if err := w.queue.Close(); err != nil {
			w.closed = fmt.Errorf("close queue store: %w", err)
		}
	})
	return w.closed
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) error {
	if w.transport == nil {
		return w.unconfigured
	}

	var msg delivery.Message
	if err := job.Decode(&msg); err != nil {
		return fmt.Errorf("decode %s payload: %w", JobType, err)
	}

	inFlight := metrics.JobsInFlight.WithLabelValues(w.queue.Name())
	inFlight.Inc()
	defer inFlight.Dec()

	if err := w.transport.Send(ctx, msg); err != nil {
		return err
	}
	w.log.Infow("Email sent", "jobId", job.ID, "to", email.Redact(msg.To), "attempt", job.AttemptsMade+1)
	return nil
}

func (w *Worker) completed(job *queue.Job) {
	if job.Type != JobType {
		return
	}
	metrics.JobsCompleted.WithLabelValues(w.queue.Name()).Inc()
}

func (w *Worker) failed(job *queue.Job, err error) {
	name := w.queue.Name()
	metrics.JobsFailed.WithLabelValues(name, reason(err)).Inc()
	if job.WillRetry() {
		metrics.JobsRetried.WithLabelValues(name).Inc()
		w.log.Warnw("Email job failed; retry scheduled",
			"jobId", job.ID, "type", job.Type,
			"attempt", job.AttemptsMade, "maxAttempts", job.MaxAttempts,
			"error", err.Error())
		return
	}
	metrics.JobsDeadLettered.WithLabelValues(name).Inc()
	w.log.Errorw("Email job failed",
		"jobId", job.ID, "type", job.Type,
		"attempt", job.AttemptsMade, "maxAttempts", job.MaxAttempts,
		"error", err.Error())
	w.spool(job, err)
}

func (w *Worker) spool(job *queue.Job, cause error) {
	if w.deadLetters == nil {
		return
	}
	var msg delivery.Message
	_ = job.Decode(&msg)
	path, err := w.deadLetters.Save(job, msg.To, cause)
	if err != nil {
		w.log.Errorw("Failed to spool dead letter", "jobId", job.ID, "error", err)
		return
	}
	w.log.Infow("Dead letter spooled", "jobId", job.ID, "path", path)
}

func reason(err error) string {
	var (
		ce *delivery.ConfigurationError
		to *delivery.TimeoutError
		te *delivery.TransportError
	)
	switch {
	case errors.Is(err, queue.ErrStalled):
		return metrics.ReasonStalled
	case errors.As(err, &ce):
		return metrics.ReasonConfiguration
	case errors.As(err, &to):
		return metrics.ReasonTimeout
	case errors.As(err, &te):
		return metrics.ReasonTransport
	default:
		return metrics.ReasonOther
	}
}
