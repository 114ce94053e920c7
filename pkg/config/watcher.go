package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/observability"
)

// ReloadCallback is called with the previous and the freshly loaded
// configuration. An error keeps the previous configuration current.
type ReloadCallback func(oldConfig, newConfig *Config) error

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	path     string
	logger   observability.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	config    *Config
	callbacks []ReloadCallback
	timer     *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher watches path, starting from current. The parent directory is
// watched so editors that replace the file on save are still seen.
func NewWatcher(path string, current *Config, logger observability.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrap(err, "failed to watch config directory")
	}

	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger,
		watcher:  watcher,
		debounce: 500 * time.Millisecond,
		config:   current,
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers cb for every successful reload
func (w *Watcher) OnChange(cb ReloadCallback) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

// Config returns the configuration last loaded
func (w *Watcher) Config() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config
}

// Start begins watching in the background
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("Configuration watcher started", map[string]interface{}{
		"config_file": w.path,
	})
}

// Stop ends the watch and waits for the loop to exit
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			// editors emit several events per save
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Configuration watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.reload(); err != nil {
			w.logger.Error("Failed to reload configuration", map[string]interface{}{
				"config_file": w.path,
				"error":       err.Error(),
			})
		}
	})
}

func (w *Watcher) reload() error {
	next, err := LoadFile(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.config
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(prev, next); err != nil {
			return errors.Wrap(err, "reload callback failed")
		}
	}

	w.mu.Lock()
	w.config = next
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", map[string]interface{}{
		"config_file": w.path,
	})
	return nil
}
