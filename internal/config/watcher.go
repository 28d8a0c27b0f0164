package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/bft-labs/thlship/pkg/log"
)

// DefaultDebounceDelay is the delay between a file change and the reload.
const DefaultDebounceDelay = 100 * time.Millisecond

// Reloadable is the subset of Config that can change while running.
type Reloadable struct {
	MaxOfflineInterval time.Duration
	MaxDelayInterval   time.Duration
	RetryInterval      time.Duration
	LogLevel           string
}

// ReloadableOf extracts the reloadable settings of cfg.
func ReloadableOf(cfg Config) Reloadable {
	return Reloadable{
		MaxOfflineInterval: cfg.MaxOfflineInterval,
		MaxDelayInterval:   cfg.MaxDelayInterval,
		RetryInterval:      cfg.RetryInterval,
		LogLevel:           cfg.LogLevel,
	}
}

// Watcher re-reads the config file when it changes and hands the
// reloadable settings to registered callbacks. Settings given as flags
// stay fixed.
type Watcher struct {
	path    string
	delay   time.Duration
	changed map[string]bool
	logger  log.Logger

	mu        sync.Mutex
	current   Reloadable
	callbacks []func(Reloadable)
	debounce  *time.Timer
}

// NewWatcher creates a watcher for path starting from base. changed lists
// the flags set on the command line.
func NewWatcher(path string, base Config, changed map[string]bool, delay time.Duration, logger log.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Watcher{
		path:    path,
		delay:   delay,
		changed: changed,
		logger:  logger,
		current: ReloadableOf(base),
	}
}

// OnReload registers fn. Callbacks run on the watcher goroutine.
func (w *Watcher) OnReload(fn func(Reloadable)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Current returns the last applied settings.
func (w *Watcher) Current() Reloadable {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the config file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching config file", log.String("path", w.path))

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", log.Err(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.delay, func() {
		if err := w.Reload(); err != nil {
			w.logger.Warn("config reload failed, keeping previous settings", log.String("path", w.path), log.Err(err))
		}
	})
}

// Reload re-reads the file and notifies callbacks when a setting changed.
func (w *Watcher) Reload() error {
	fc, err := LoadFileConfig(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.current
	cfg := Config{
		MaxOfflineInterval: prev.MaxOfflineInterval,
		MaxDelayInterval:   prev.MaxDelayInterval,
		RetryInterval:      prev.RetryInterval,
		LogLevel:           prev.LogLevel,
	}
	w.mu.Unlock()

	s := newConfigSetter(w.changed)
	if err := s.setDuration("max-offline-interval", fc.MaxOfflineInterval, &cfg.MaxOfflineInterval); err != nil {
		return err
	}
	if err := s.setDuration("max-delay-interval", fc.MaxDelayInterval, &cfg.MaxDelayInterval); err != nil {
		return err
	}
	if err := s.setDuration("retry-interval", fc.RetryInterval, &cfg.RetryInterval); err != nil {
		return err
	}
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	next := ReloadableOf(cfg)
	if next == prev {
		return nil
	}

	w.mu.Lock()
	w.current = next
	callbacks := append(([]func(Reloadable))(nil), w.callbacks...)
	w.mu.Unlock()

	if next.LogLevel != prev.LogLevel {
		zerolog.SetGlobalLevel(log.ParseLevel(next.LogLevel))
	}
	w.logger.Info("config reloaded",
		log.Duration("max_offline_interval", next.MaxOfflineInterval),
		log.Duration("max_delay_interval", next.MaxDelayInterval),
		log.Duration("retry_interval", next.RetryInterval),
		log.String("log_level", next.LogLevel),
	)
	for _, fn := range callbacks {
		fn(next)
	}
	return nil
}
