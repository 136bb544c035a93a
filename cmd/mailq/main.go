// Command mailq inspects and feeds the email queue.
package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"sunsetsmail/internal/config"
	"sunsetsmail/queue"
)

func main() {
	root := NewRootCommand(os.Stdout, openQueue)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openQueue(ctx context.Context) (*queue.Manager, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	client, err := queue.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	return queue.NewManager(client, cfg.Queue.Name, zap.NewNop().Sugar(), queue.Options{
		Prefix: cfg.Queue.Prefix,
		Retry: queue.RetryPolicy{
			Attempts: cfg.Queue.Attempts,
			Backoff:  queue.BackoffType(cfg.Queue.Backoff),
			Delay:    cfg.Queue.BackoffDelay,
			MaxDelay: cfg.Queue.BackoffMax,
		},
	}), nil
}
