package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/collabcore/pkg/redis"
)

type collector struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collector) handle(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func exerciseBus(t *testing.T, b Bus) {
	ctx := context.Background()
	first, second, other := &collector{}, &collector{}, &collector{}

	sub1, err := b.Subscribe(ctx, "collaboration:BOQ:1", first.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "collaboration:BOQ:1", second.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "collaboration:BOQ:2", other.handle)
	require.NoError(t, err)
	assert.Equal(t, "collaboration:BOQ:1", sub1.Topic())

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, "collaboration:BOQ:1", []byte(fmt.Sprintf("m%02d", i))))
	}

	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprintf("m%02d", i)
	}
	assert.Eventually(t, func() bool { return len(first.snapshot()) == 20 && len(second.snapshot()) == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, first.snapshot(), "per-publisher order is preserved")
	assert.Equal(t, want, second.snapshot())
	assert.Empty(t, other.snapshot(), "topics are isolated")

	require.NoError(t, sub1.Unsubscribe())
	require.NoError(t, b.Publish(ctx, "collaboration:BOQ:1", []byte("after")))
	assert.Eventually(t, func() bool { return len(second.snapshot()) == 21 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, first.snapshot(), 20)

	require.NoError(t, b.Close())
	assert.True(t, errors.Is(b.Publish(ctx, "collaboration:BOQ:1", []byte("x")), ErrClosed))
	_, err = b.Subscribe(ctx, "collaboration:BOQ:1", first.handle)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMemoryBus(t *testing.T) {
	exerciseBus(t, NewMemoryBus(nil))
}

func TestMemoryBus_Offline(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	got := &collector{}
	_, err := b.Subscribe(context.Background(), "t", got.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("t"))

	b.SetOffline(true)
	err = b.Publish(context.Background(), "t", []byte("lost"))
	assert.True(t, errors.Is(err, ErrTransportUnavailable))

	b.SetOffline(false)
	require.NoError(t, b.Publish(context.Background(), "t", []byte("kept")))
	assert.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"kept"}, got.snapshot())
}

func TestMemoryBus_UnsubscribeFromHandler(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var sub Subscription
	done := make(chan struct{})
	sub, err := b.Subscribe(context.Background(), "t", func(payload []byte) {
		_ = sub.Unsubscribe()
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "t", []byte("x")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
	assert.Eventually(t, func() bool { return b.SubscriberCount("t") == 0 }, time.Second, 5*time.Millisecond)
}

func TestRedisBus(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := redis.NewClient(&redis.Config{Addresses: []string{mr.Addr()}}, nil)
	require.NoError(t, err)
	defer client.Close()

	exerciseBus(t, NewRedisBus(client, nil))
}

func TestRedisBus_PublishFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := redis.NewClient(&redis.Config{
		Addresses:   []string{mr.Addr()},
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer client.Close()

	b := NewRedisBus(client, nil)
	mr.Close()

	err = b.Publish(context.Background(), "t", []byte("x"))
	assert.True(t, errors.Is(err, ErrTransportUnavailable), "got %v", err)
}

type flakyPublisher struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *flakyPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyPublisher) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func TestResilientPublisher(t *testing.T) {
	next := &flakyPublisher{fail: true}

	var mu sync.Mutex
	var transitions []bool
	p := NewResilientPublisher(next, BreakerConfig{
		Name:             "test",
		MaxRequests:      1,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 2,
		Attempts:         1,
	}, nil, nil, func(open bool) {
		mu.Lock()
		transitions = append(transitions, open)
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := p.Publish(ctx, "t", []byte("x"))
		assert.True(t, errors.Is(err, ErrTransportUnavailable))
	}
	assert.True(t, p.Open())

	// open breaker fails fast without touching the transport
	calls := next.calls
	err := p.Publish(ctx, "t", []byte("x"))
	assert.True(t, errors.Is(err, ErrTransportUnavailable))
	assert.Equal(t, calls, next.calls)

	next.setFail(false)
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, p.Publish(ctx, "t", []byte("x")))
	assert.False(t, p.Open())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.True(t, transitions[0])
	assert.False(t, transitions[len(transitions)-1])
}

func TestResilientPublisher_RetriesWithinAttempt(t *testing.T) {
	next := &flakyPublisher{fail: true}
	p := NewResilientPublisher(next, BreakerConfig{FailureThreshold: 5, Attempts: 3}, nil, nil, nil)

	err := p.Publish(context.Background(), "t", []byte("x"))
	assert.Error(t, err)
	assert.Equal(t, 3, next.calls)
	assert.False(t, p.Open())
}
