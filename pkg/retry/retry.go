// Package retry runs operations under an exponential backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	Multiplier      float64       `mapstructure:"multiplier"`
	// MaxRetries of zero means retry until MaxElapsedTime or context end
	MaxRetries int `mapstructure:"max_retries"`
}

// DefaultConfig suits reconnect loops against the message bus
func DefaultConfig() Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  0,
		Multiplier:      2.0,
	}
}

// NewBackOff builds the backoff.BackOff described by config, bound to ctx
func NewBackOff(ctx context.Context, config Config) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if config.InitialInterval > 0 {
		eb.InitialInterval = config.InitialInterval
	}
	if config.MaxInterval > 0 {
		eb.MaxInterval = config.MaxInterval
	}
	if config.Multiplier > 1.0 {
		eb.Multiplier = config.Multiplier
	}
	eb.MaxElapsedTime = config.MaxElapsedTime
	eb.Reset()

	var b backoff.BackOff = eb
	if config.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn until it succeeds, returns a Permanent error, or the policy gives up
func Do(ctx context.Context, config Config, fn func(ctx context.Context) error) error {
	return backoff.Retry(func() error {
		return fn(ctx)
	}, NewBackOff(ctx, config))
}

// DoNotify is Do with a callback invoked before each wait
func DoNotify(ctx context.Context, config Config, fn func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(func() error {
		return fn(ctx)
	}, NewBackOff(ctx, config), notify)
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}
