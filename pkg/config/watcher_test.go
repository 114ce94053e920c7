package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func writeConfig(t *testing.T, path, level string) {
	t.Helper()
	content := "logging:\n  level: " + level + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestWatcher(t *testing.T, level string) (*Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabd.yaml")
	writeConfig(t, path, level)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	return w, path
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, path := newTestWatcher(t, "info")
	reloaded := make(chan [2]string, 4)
	w.OnChange(func(oldConfig, newConfig *Config) error {
		reloaded <- [2]string{oldConfig.Logging.Level, newConfig.Logging.Level}
		return nil
	})
	w.Start()

	writeConfig(t, path, "debug")

	select {
	case got := <-reloaded:
		assert.Equal(t, [2]string{"info", "debug"}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not picked up")
	}
	assert.Eventually(t, func() bool { return w.Config().Logging.Level == "debug" }, time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
}

func TestWatcher_KeepsConfigOnInvalidFile(t *testing.T) {
	w, path := newTestWatcher(t, "warn")
	defer w.Stop()

	called := false
	w.OnChange(func(_, _ *Config) error {
		called = true
		return nil
	})

	content := "database:\n  driver: mysql\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	err := w.reload()
	assert.ErrorContains(t, err, "unsupported database driver")
	assert.False(t, called)
	assert.Equal(t, "warn", w.Config().Logging.Level)
}

func TestWatcher_CallbackErrorKeepsConfig(t *testing.T) {
	w, path := newTestWatcher(t, "warn")
	defer w.Stop()

	w.OnChange(func(_, _ *Config) error {
		return errors.New("rejected")
	})
	writeConfig(t, path, "error")

	err := w.reload()
	assert.ErrorContains(t, err, "rejected")
	assert.Equal(t, "warn", w.Config().Logging.Level)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	w, path := newTestWatcher(t, "info")
	reloaded := make(chan struct{}, 1)
	w.OnChange(func(_, _ *Config) error {
		reloaded <- struct{}{}
		return nil
	})
	w.Start()
	defer w.Stop()

	sibling := filepath.Join(filepath.Dir(path), "other.yaml")
	require.NoError(t, os.WriteFile(sibling, []byte("x: 1\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("sibling write triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}
