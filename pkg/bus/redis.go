package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/collabcore/pkg/observability"
	"github.com/developer-mesh/collabcore/pkg/redis"
)

// RedisBus implements Bus over Redis PUBLISH/SUBSCRIBE. Redis delivers the
// messages of one connection in order, which preserves each publisher's
// stream order per topic.
type RedisBus struct {
	client *redis.Client
	logger observability.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBus creates a bus on top of a shared client. Closing the bus does
// not close the client.
func NewRedisBus(client *redis.Client, logger observability.Logger) *RedisBus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisBus{
		client: client,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish sends payload to topic
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := b.client.GetClient().Publish(ctx, topic, payload).Err(); err != nil {
		b.logger.Warn("Redis publish failed", map[string]interface{}{
			"topic": topic,
			"error": err.Error(),
		})
		return errors.Wrapf(ErrTransportUnavailable, "publish %s: %v", topic, err)
	}
	return nil
}

// Subscribe attaches handler to topic. It returns once Redis has confirmed
// the subscription, so publishes issued afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.GetClient().Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(ErrTransportUnavailable, "subscribe %s: %v", topic, err)
	}

	sub := &redisSubscription{
		bus:     b,
		topic:   topic,
		pubsub:  pubsub,
		handler: handler,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(pubsub.Channel())

	b.logger.Debug("Subscribed to topic", map[string]interface{}{"topic": topic})
	return sub, nil
}

// Close unsubscribes everything this bus created
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*redisSubscription]struct{})
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		<-sub.done
	}
	return firstErr
}

type redisSubscription struct {
	bus     *RedisBus
	topic   string
	pubsub  *goredis.PubSub
	handler Handler
	done    chan struct{}
	once    sync.Once
}

func (s *redisSubscription) Topic() string {
	return s.topic
}

func (s *redisSubscription) run(ch <-chan *goredis.Message) {
	defer close(s.done)
	for msg := range ch {
		s.handler([]byte(msg.Payload))
	}
}

func (s *redisSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.close()
}

func (s *redisSubscription) close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
