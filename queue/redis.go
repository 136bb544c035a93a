package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sunsetsmail/internal/config"
	"sunsetsmail/tlsconfig"
)

// NewClient builds a Redis client from a full URL when one is configured,
// falling back to the discrete host, port and password fields.
func NewClient(cfg config.Redis) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}

	opts := &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsconfig.ForHost(cfg.Host, false)
	}
	return redis.NewClient(opts), nil
}

// Connect creates a client and verifies the store is reachable.
func Connect(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to queue store: %w", err)
	}
	return client, nil
}
