// Package bus is the publish/subscribe transport the collaboration components
// talk through. Topics are opaque strings; payloads are encoded messages.
package bus

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrTransportUnavailable is returned when the transport cannot accept a publish
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrClosed is returned by operations on a closed bus
	ErrClosed = errors.New("bus closed")
)

// Handler receives the payloads published on a topic. Handlers for one
// subscription are invoked sequentially in publish order.
type Handler func(payload []byte)

// Subscription is a live topic subscription
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Publisher sends payloads to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Bus is a topic-keyed publish/subscribe channel
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// NoOpPublisher drops everything it is given
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return nil
}
