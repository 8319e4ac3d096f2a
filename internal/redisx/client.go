package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxBackoff caps reconnect and retry delays.
const MaxBackoff = 30 * time.Second

type Options struct {
	Addr       string
	RetryDelay time.Duration
	MaxDelay   time.Duration
}

func New(opts Options) *redis.Client {
	if opts.MaxDelay <= 0 || opts.MaxDelay > MaxBackoff {
		opts.MaxDelay = MaxBackoff
	}
	return redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		MaxRetries:      3,
		MinRetryBackoff: opts.RetryDelay,
		MaxRetryBackoff: opts.MaxDelay,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	})
}

// Ping reports whether the server answers within two seconds.
func Ping(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

// ReconnectDelay grows linearly with the attempt count and is capped at max.
func ReconnectDelay(attempt int, step, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if max <= 0 || max > MaxBackoff {
		max = MaxBackoff
	}
	d := time.Duration(attempt) * step
	if d > max || d <= 0 {
		return max
	}
	return d
}
