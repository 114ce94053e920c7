package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/collaboration"
	"github.com/developer-mesh/collabcore/pkg/config"
	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newExpiringRegistry(t *testing.T) (*collaboration.Registry, *manualClock) {
	t.Helper()
	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	clock := &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := collaboration.NewRegistry(b, collaboration.RegistryConfig{
		HeartbeatInterval: time.Second,
		MissedHeartbeats:  2,
		InactivityTimeout: time.Minute,
	}, collaboration.ServiceConfig{}, collaboration.WithClock(clock.Now))
	t.Cleanup(func() { registry.Close() })

	doc := models.NewDocumentRef("BOQ", "BOQ-001")
	_, err := registry.Join(context.Background(), doc, models.UserInfo{ID: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, registry.SessionCount())
	return registry, clock
}

func TestRunCleanup(t *testing.T) {
	registry, clock := newExpiringRegistry(t)
	logger := observability.NewNoopLogger()

	runCleanup(context.Background(), registry, logger)
	assert.Equal(t, 1, registry.SessionCount(), "fresh participants survive")

	// past both the heartbeat TTL and the inactivity timeout
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runCleanup(ctx, registry, logger)
	assert.Equal(t, 1, registry.SessionCount(), "no sweep after shutdown")

	runCleanup(context.Background(), registry, logger)
	assert.Equal(t, 0, registry.SessionCount())
}

func TestCleanupScheduler(t *testing.T) {
	registry, clock := newExpiringRegistry(t)
	clock.Advance(2 * time.Minute)

	scheduler, err := newCleanupScheduler(context.Background(), registry, "@every 1s", observability.NewNoopLogger())
	require.NoError(t, err)
	scheduler.Start()

	assert.Eventually(t, func() bool { return registry.SessionCount() == 0 }, 5*time.Second, 20*time.Millisecond)

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup scheduler did not stop")
	}
}

func TestCleanupScheduler_RejectsBadSpec(t *testing.T) {
	registry, _ := newExpiringRegistry(t)

	_, err := newCleanupScheduler(context.Background(), registry, "whenever", observability.NewNoopLogger())
	assert.ErrorContains(t, err, "invalid cleanup schedule")
}

func TestWatchConfig_AppliesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	var buf bytes.Buffer
	logger := observability.NewStandardLogger("collabd").(*observability.StandardLogger).
		WithLevel(observability.LogLevelWarn).
		WithOutput(log.New(&buf, "", 0))

	watcher, err := watchConfig(path, &config.Config{Logging: config.LoggingConfig{Level: "warn"}}, logger)
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	assert.Eventually(t, func() bool {
		return logger.Level() == observability.LogLevelDebug
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchConfig_MissingFile(t *testing.T) {
	logger := observability.NewStandardLogger("collabd").(*observability.StandardLogger)
	_, err := watchConfig(filepath.Join(t.TempDir(), "absent.yaml"), &config.Config{}, logger)
	assert.Error(t, err)
}
