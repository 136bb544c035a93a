package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sunsetsmail/delivery"
	"sunsetsmail/health"
	"sunsetsmail/internal/config"
	"sunsetsmail/internal/dkim"
	"sunsetsmail/internal/logging"
	"sunsetsmail/internal/metrics"
	"sunsetsmail/queue"
	"sunsetsmail/storage"
	"sunsetsmail/worker"
)

// retryJitter spreads retries of jobs that failed together.
const retryJitter = 0.2

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mail worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	client, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	q := queue.NewManager(client, cfg.Queue.Name, log, queueOptions(cfg.Queue))

	transport, unconfigured, err := buildTransport(ctx, cfg, log)
	if err != nil {
		_ = q.Close()
		return err
	}

	if err := prometheus.Register(metrics.NewQueueCollector(q.Name(), stateCounts(q))); err != nil {
		log.Warnw("Queue depth metrics not registered", "error", err)
	}

	srv, ln, err := health.StartHealthServer(cfg.HealthAddr, q.Ping)
	if err != nil {
		_ = q.Close()
		return err
	}
	log.Infow("Health server listening", "addr", ln.Addr().String())

	var spool *storage.Spool
	if cfg.DeadLetterDir != "" {
		spool = storage.NewSpool(cfg.DeadLetterDir)
		log.Infow("Dead letter spool enabled", "dir", spool.Dir())
	}
	w, err := worker.New(q, transport, log, worker.Options{
		Concurrency:  cfg.Queue.Concurrency,
		DeadLetters:  spool,
		Unconfigured: unconfigured,
	})
	if err != nil {
		_ = q.Close()
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(context.WithoutCancel(ctx)) }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-runErr:
		log.Errorw("Email worker exited unexpectedly", "error", err)
		runErr <- err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Email worker shutdown incomplete", "error", err)
	} else {
		<-runErr
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Health server shutdown failed", "error", err)
	}
	log.Info("Mail worker exited")
	return nil
}

// buildTransport returns either a ready transport or, when the selected
// transport lacks settings, the configuration error jobs are rejected with.
// Any other error stops startup.
func buildTransport(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (delivery.Transport, *delivery.ConfigurationError, error) {
	signer, err := dkim.Load(cfg.DKIM)
	if err != nil {
		return nil, nil, err
	}
	if signer != nil {
		log.Infow("DKIM signing enabled", "selector", signer.Selector(), "domain", signer.Domain())
	}

	transport, err := delivery.New(ctx, cfg, signer)
	var ce *delivery.ConfigurationError
	if errors.As(err, &ce) {
		log.Warnw("Mail transport not configured; jobs will be rejected", "transport", cfg.Transport, "error", err)
		return nil, ce, nil
	}
	if err != nil {
		return nil, nil, err
	}
	log.Infow("Mail transport ready", "transport", cfg.Transport, "host", cfg.SMTP.Host, "port", cfg.SMTP.Port, "secure", cfg.SMTP.Secure)
	return transport, nil, nil
}

func queueOptions(q config.Queue) queue.Options {
	keep := q.KeepCompleted
	if keep < 0 {
		keep = 0
	}
	return queue.Options{
		Prefix: q.Prefix,
		Retry: queue.RetryPolicy{
			Attempts: q.Attempts,
			Backoff:  queue.BackoffType(q.Backoff),
			Delay:    q.BackoffDelay,
			MaxDelay: q.BackoffMax,
			Jitter:   retryJitter,
		},
		KeepCompleted: keep,
		LockTTL:       q.LockTTL,
		MaxStalled:    q.MaxStalled,
		PollInterval:  q.PollInterval,
	}
}

func stateCounts(q *queue.Manager) metrics.CountFunc {
	return func(ctx context.Context) (map[string]int64, error) {
		counts, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int64, len(counts))
		for state, n := range counts {
			out[string(state)] = n
		}
		return out, nil
	}
}
