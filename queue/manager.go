package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the store runtime. Zero values fall back to defaults.
type Options struct {
	Prefix string
	Retry  RetryPolicy
	// KeepCompleted caps how many completed jobs are retained; zero keeps all.
	KeepCompleted   int
	LockTTL         time.Duration
	MaxStalled      int
	PollInterval    time.Duration
	PromoteInterval time.Duration
	StalledInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "mailq"
	}
	if o.Retry.Attempts == 0 && o.Retry.Delay == 0 && o.Retry.Backoff == "" {
		o.Retry = DefaultRetryPolicy()
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.MaxStalled < 0 {
		o.MaxStalled = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = o.LockTTL
	}
	return o
}

type keys struct {
	wait      string
	active    string
	delayed   string
	completed string
	failed    string
	jobPrefix string
	lockBase  string
}

func newKeys(prefix, name string) keys {
	base := prefix + ":" + name + ":"
	return keys{
		wait:      base + "wait",
		active:    base + "active",
		delayed:   base + "delayed",
		completed: base + "completed",
		failed:    base + "failed",
		jobPrefix: base + "job:",
		lockBase:  base + "lock:",
	}
}

func (k keys) job(id string) string  { return k.jobPrefix + id }
func (k keys) lock(id string) string { return k.lockBase + id }

// Manager is a Redis-backed job queue shared by producers and workers. It
// owns claiming, retry scheduling, dead-lettering and stalled-job recovery;
// handlers only report success or failure.
type Manager struct {
	client *redis.Client
	name   string
	keys   keys
	opts   Options
	log    *zap.SugaredLogger
	now    func() time.Time

	mu          sync.RWMutex
	handlers    map[string]Handler
	onCompleted []func(*Job)
	onFailed    []func(*Job, error)

	running atomic.Bool
}

// NewManager creates a queue named name on client.
func NewManager(client *redis.Client, name string, log *zap.SugaredLogger, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		client:   client,
		name:     name,
		keys:     newKeys(opts.Prefix, name),
		opts:     opts,
		log:      log.With("queue", name),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Name returns the queue name.
func (m *Manager) Name() string {
	return m.name
}

// Add enqueues a job of jobType with data marshalled as JSON.
func (m *Manager) Add(ctx context.Context, jobType string, data any, opts ...JobOption) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal job data: %w", err)
	}
	o := jobOptions{attempts: m.opts.Retry.maxAttempts()}
	for _, opt := range opts {
		opt(&o)
	}

	now := m.now()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Data:        raw,
		State:       StateWaiting,
		MaxAttempts: o.attempts,
		CreatedAt:   time.UnixMilli(now.UnixMilli()),
	}
	if o.delay > 0 {
		job.State = StateDelayed
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.keys.job(job.ID), job.fields())
	if o.delay > 0 {
		pipe.ZAdd(ctx, m.keys.delayed, redis.Z{Score: float64(now.Add(o.delay).UnixMilli()), Member: job.ID})
	} else {
		pipe.LPush(ctx, m.keys.wait, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}

	m.log.Debugw("Job queued", "id", job.ID, "type", jobType, "maxAttempts", job.MaxAttempts, "delay", o.delay)
	return job, nil
}

// Handle registers h for jobs of jobType.
func (m *Manager) Handle(jobType string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, jobType)
	}
	m.handlers[jobType] = h
	return nil
}

// OnCompleted registers a listener invoked after a job is recorded as completed.
func (m *Manager) OnCompleted(fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompleted = append(m.onCompleted, fn)
}

// OnFailed registers a listener invoked after every failed attempt is
// recorded. job.WillRetry reports whether the store scheduled a retry.
func (m *Manager) OnFailed(fn func(*Job, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = append(m.onFailed, fn)
}

// Run claims and handles jobs with up to concurrency handlers in flight until
// ctx is cancelled. Cancellation stops new claims only; Run returns after
// every in-flight handler has finished and its result has been recorded.
func (m *Manager) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.log.Infow("Queue runtime started",
		"concurrency", concurrency,
		"attempts", m.opts.Retry.maxAttempts(),
		"backoff", m.opts.Retry.Backoff,
		"lockTTL", m.opts.LockTTL)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.every(ctx, m.opts.PromoteInterval, m.promoteDue)
	}()
	go func() {
		defer wg.Done()
		m.every(ctx, m.opts.StalledInterval, m.recoverStalled)
	}()
	for i := range concurrency {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			m.claimLoop(ctx, slot)
		}(i)
	}
	wg.Wait()

	m.log.Info("Queue runtime stopped")
	return nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

// Ping checks connectivity to the store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Manager) claimLoop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		// Claims are not tied to ctx so a cancellation cannot strand a job
		// that the script already moved to the active list.
		job, token, err := m.claim(context.WithoutCancel(ctx))
		if err != nil {
			m.log.Warnw("Failed to claim job", "slot", slot, "error", err)
			if !sleep(ctx, m.opts.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, m.opts.PollInterval) {
				return
			}
			continue
		}
		m.process(context.WithoutCancel(ctx), job, token)
	}
}

func (m *Manager) claim(ctx context.Context) (*Job, string, error) {
	token := newToken()
	now := m.now().UnixMilli()
	id, err := claimScript.Run(ctx, m.client,
		[]string{m.keys.wait, m.keys.active},
		m.keys.jobPrefix, m.keys.lockBase, token, m.opts.LockTTL.Milliseconds(), now,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("claim: %w", err)
	}

	job, err := m.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		m.log.Warnw("Dropping claimed id without job data", "id", id)
		m.client.LRem(ctx, m.keys.active, 0, id)
		m.client.Del(ctx, m.keys.lock(id))
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return job, token, nil
}

func (m *Manager) process(ctx context.Context, job *Job, token string) {
	m.log.Debugw("Processing job", "id", job.ID, "type", job.Type, "attempt", job.AttemptsMade+1)

	stop := m.keepLock(ctx, job.ID, token)
	herr := m.invoke(ctx, job)
	stop()

	if herr == nil {
		m.complete(ctx, job, token)
		return
	}
	m.fail(ctx, job, token, herr)
}

func (m *Manager) invoke(ctx context.Context, job *Job) (err error) {
	m.mu.RLock()
	h := m.handlers[job.Type]
	m.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (m *Manager) complete(ctx context.Context, job *Job, token string) {
	now := m.now()
	keep := m.opts.KeepCompleted
	if keep <= 0 {
		keep = -1
	}
	made, err := completeScript.Run(ctx, m.client,
		[]string{m.keys.active, m.keys.completed, m.keys.job(job.ID), m.keys.lock(job.ID)},
		token, job.ID, now.UnixMilli(), keep, m.keys.jobPrefix,
	).Int()
	if err != nil {
		m.log.Errorw("Failed to record job completion", "id", job.ID, "error", err)
		return
	}
	if made < 0 {
		m.log.Warnw("Job completed after its lock was lost", "id", job.ID, "error", ErrLockLost)
		return
	}

	job.AttemptsMade = made
	job.State = StateCompleted
	job.FinishedAt = now

	m.mu.RLock()
	listeners := slices.Clone(m.onCompleted)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(job)
	}
}

func (m *Manager) fail(ctx context.Context, job *Job, token string, cause error) {
	now := m.now()
	attempt := job.AttemptsMade + 1
	retryAt := now.Add(m.opts.Retry.NextDelay(attempt))
	retryable := "0"
	if m.opts.Retry.retryable(cause) {
		retryable = "1"
	}

	res, err := failScript.Run(ctx, m.client,
		[]string{m.keys.active, m.keys.delayed, m.keys.failed, m.keys.job(job.ID), m.keys.lock(job.ID)},
		token, job.ID, now.UnixMilli(), cause.Error(), retryAt.UnixMilli(), retryable,
	).Int()
	if err != nil {
		m.log.Errorw("Failed to record job failure", "id", job.ID, "cause", cause, "error", err)
		return
	}
	if res < 0 {
		m.log.Warnw("Job failed after its lock was lost", "id", job.ID, "cause", cause, "error", ErrLockLost)
		return
	}

	job.AttemptsMade = attempt
	job.FailedReason = cause.Error()
	job.FinishedAt = now
	job.State = StateFailed
	if res == 1 {
		job.State = StateDelayed
	}

	m.emitFailed(job, cause)
}

func (m *Manager) emitFailed(job *Job, cause error) {
	m.mu.RLock()
	listeners := slices.Clone(m.onFailed)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(job, cause)
	}
}

// keepLock renews the job lock until the returned stop func is called.
func (m *Manager) keepLock(ctx context.Context, id, token string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.opts.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := extendScript.Run(ctx, m.client, []string{m.keys.lock(id)}, token, m.opts.LockTTL.Milliseconds()).Int()
				if err != nil {
					m.log.Warnw("Failed to extend job lock", "id", id, "error", err)
					continue
				}
				if ok == 0 {
					m.log.Warnw("Job lock no longer owned", "id", id)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (m *Manager) promoteDue(ctx context.Context) {
	for {
		n, err := promoteScript.Run(ctx, m.client,
			[]string{m.keys.delayed, m.keys.wait},
			m.now().UnixMilli(), m.keys.jobPrefix, 100,
		).Int()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warnw("Failed to promote delayed jobs", "error", err)
			}
			return
		}
		if n > 0 {
			m.log.Debugw("Promoted delayed jobs", "count", n)
		}
		if n < 100 {
			return
		}
	}
}

func (m *Manager) recoverStalled(ctx context.Context) {
	res, err := stalledScript.Run(ctx, m.client,
		[]string{m.keys.active, m.keys.wait, m.keys.failed},
		m.keys.jobPrefix, m.keys.lockBase, m.opts.MaxStalled, m.now().UnixMilli(), ErrStalled.Error(),
	).Slice()
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warnw("Failed to check stalled jobs", "error", err)
		}
		return
	}
	if len(res) != 2 {
		return
	}
	if recovered, ok := res[0].([]interface{}); ok && len(recovered) > 0 {
		m.log.Warnw("Recovered stalled jobs", "ids", recovered)
	}
	failed, ok := res[1].([]interface{})
	if !ok || len(failed) == 0 {
		return
	}
	m.log.Errorw("Stalled jobs exceeded limit and were failed", "ids", failed, "maxStalled", m.opts.MaxStalled)
	for _, raw := range failed {
		id, _ := raw.(string)
		job, err := m.Get(ctx, id)
		if err != nil {
			m.log.Warnw("Failed to load stalled job", "id", id, "error", err)
			continue
		}
		m.emitFailed(job, ErrStalled)
	}
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
