package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/observability"
)

const defaultMemoryBuffer = 256

// MemoryBus is an in-process Bus. Each subscription owns a goroutine that
// delivers payloads in publish order.
type MemoryBus struct {
	mu      sync.RWMutex
	topics  map[string]map[*memorySubscription]struct{}
	offline bool
	closed  bool
	buffer  int
	logger  observability.Logger
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(logger observability.Logger) *MemoryBus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &MemoryBus{
		topics: make(map[string]map[*memorySubscription]struct{}),
		buffer: defaultMemoryBuffer,
		logger: logger,
	}
}

// SetOffline makes Publish fail with ErrTransportUnavailable until reset.
// Subscriptions stay attached.
func (b *MemoryBus) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// Publish fans payload out to every subscription of topic
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	if b.offline {
		b.mu.RUnlock()
		return errors.Wrapf(ErrTransportUnavailable, "publish %s", topic)
	}
	subs := make([]*memorySubscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		data := append([]byte(nil), payload...)
		select {
		case sub.queue <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe attaches handler to topic
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		topic:   topic,
		handler: handler,
		queue:   make(chan []byte, b.buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	go sub.run()

	return sub, nil
}

// SubscriberCount reports the number of live subscriptions on topic
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close detaches every subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		<-sub.stopped
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.topics[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	topic   string
	handler Handler
	queue   chan []byte
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Topic() string {
	return s.topic
}

func (s *memorySubscription) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.handler(payload)
		}
	}
}

// Unsubscribe detaches the subscription. It does not wait for an in-flight
// handler call, so it is safe to call from inside a handler.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}
