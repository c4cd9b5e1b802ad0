// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/warden/internal/logging"
)

// Watcher polls a config file's mtime and hot-reloads its threshold and cost
// sections without a restart, per spec.md §6. Structural fields (system.mode,
// monitoring.queue.max_size) are parsed but callers must not act on a
// changed value after startup; Watcher logs when it sees one change.
type Watcher struct {
	path    string
	logger  *logging.Logger
	current atomic.Pointer[Config]

	mu      sync.Mutex
	modTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher loads path once synchronously and returns a Watcher ready to
// poll for changes. If path does not exist, Default() is used and polling
// still proceeds (a file created later will be picked up).
func NewWatcher(path string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.WithComponent("config")
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	w.current.Store(cfg)

	if info, statErr := os.Stat(path); statErr == nil {
		w.modTime = info.ModTime()
	}

	return w, nil
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (w *Watcher) Get() *Config {
	return w.current.Load()
}

// Start begins polling the config file's mtime every interval (2s default
// when interval <= 0) for changes.
func (w *Watcher) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	w.wg.Add(1)
	go w.pollLoop(interval)
}

// Stop halts the polling goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) pollLoop(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkReload()
		}
	}
}

func (w *Watcher) checkReload() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous in-memory config", "error", err)
		return
	}

	prev := w.current.Load()
	w.logThresholdDiff(prev, next)

	w.current.Store(next)
	w.mu.Lock()
	w.modTime = info.ModTime()
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path)
}

func (w *Watcher) logThresholdDiff(prev, next *Config) {
	if prev == nil {
		return
	}
	if prev.System.Mode != next.System.Mode {
		w.logger.Warn("system.mode changed on reload; ignored until restart", "old", prev.System.Mode, "new", next.System.Mode)
	}
	if prev.Monitoring.Queue.MaxSize != next.Monitoring.Queue.MaxSize {
		w.logger.Warn("monitoring.queue.max_size changed on reload; ignored until restart", "old", prev.Monitoring.Queue.MaxSize, "new", next.Monitoring.Queue.MaxSize)
	}
	if prev.Defense.ThreatThresholds != next.Defense.ThreatThresholds {
		w.logger.Info("defense.threat_thresholds changed", "old", prev.Defense.ThreatThresholds, "new", next.Defense.ThreatThresholds)
	}
}
