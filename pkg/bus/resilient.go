package bus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/developer-mesh/collabcore/pkg/observability"
	"github.com/developer-mesh/collabcore/pkg/retry"
)

// BreakerConfig configures the publish circuit breaker
type BreakerConfig struct {
	Name             string        `mapstructure:"name"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	// Attempts is how many times a single publish is tried before it counts
	// as one breaker failure
	Attempts int `mapstructure:"attempts"`
}

// DefaultBreakerConfig returns breaker settings sized for interactive editing
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "bus-publish",
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		Attempts:         2,
	}
}

// ResilientPublisher guards a Publisher with a circuit breaker and a short
// retry. While the breaker is open publishes fail fast with
// ErrTransportUnavailable.
type ResilientPublisher struct {
	next     Publisher
	breaker  *gobreaker.CircuitBreaker
	attempts int
	retry    retry.Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewResilientPublisher wraps next. onStateChange may be nil.
func NewResilientPublisher(next Publisher, cfg BreakerConfig, logger observability.Logger, metrics observability.MetricsClient, onStateChange func(open bool)) *ResilientPublisher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}

	p := &ResilientPublisher{
		next:     next,
		attempts: cfg.Attempts,
		logger:   logger,
		metrics:  metrics,
		retry: retry.Config{
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     200 * time.Millisecond,
			Multiplier:      2,
			MaxRetries:      cfg.Attempts - 1,
		},
	}

	threshold := cfg.FailureThreshold
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Publish circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
			metrics.IncrementCounterWithLabels("breaker_transitions_total", 1, map[string]string{
				"to": to.String(),
			})
			if onStateChange != nil {
				onStateChange(to == gobreaker.StateOpen)
			}
		},
	})

	return p
}

// Publish forwards to the wrapped publisher through the breaker
func (p *ResilientPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	stop := p.metrics.StartTimer("publish_duration_seconds", nil)
	defer stop()

	_, err := p.breaker.Execute(func() (interface{}, error) {
		if p.attempts <= 1 {
			return nil, p.next.Publish(ctx, topic, payload)
		}
		return nil, retry.Do(ctx, p.retry, func(ctx context.Context) error {
			err := p.next.Publish(ctx, topic, payload)
			if errors.Is(err, ErrClosed) {
				return retry.Permanent(err)
			}
			return err
		})
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.Wrapf(ErrTransportUnavailable, "publish %s: %v", topic, err)
	case errors.Is(err, ErrTransportUnavailable), errors.Is(err, ErrClosed):
		return err
	default:
		return errors.Wrapf(ErrTransportUnavailable, "publish %s: %v", topic, err)
	}
}

// Open reports whether the breaker is currently rejecting publishes
func (p *ResilientPublisher) Open() bool {
	return p.breaker.State() == gobreaker.StateOpen
}
