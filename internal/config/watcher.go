package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 100 * time.Millisecond

// OnReload receives the previous and the freshly loaded configuration.
type OnReload func(old, new *Config)

// Watcher reloads the config file when it changes on disk. Only settings
// read through Get or passed to OnReload callbacks pick up the change.
type Watcher struct {
	fsw  *fsnotify.Watcher
	path string

	mu        sync.Mutex
	callbacks []OnReload
	lastSum   [sha256.Size]byte

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// Watch starts watching filePath. The parent directory is watched so that
// atomic replace-on-save is seen as well.
func Watch(filePath string) (*Watcher, error) {
	if filePath == "" {
		return nil, errors.New("config watcher: file path must not be empty")
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("config watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watching %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		fsw:     fsw,
		path:    abs,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if data, err := os.ReadFile(abs); err == nil {
		w.lastSum = sha256.Sum256(data)
	}
	go w.run()
	return w, nil
}

// OnChange registers fn to be called after every successful reload.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Close stops watching and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
		<-w.stopped
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.stopped)

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-timer.C:
			w.reload()
		}
	}
}

// reload loads the file if its content changed and notifies callbacks. An
// invalid file leaves the current config in place.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config file unreadable, keeping previous config")
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	unchanged := bytes.Equal(sum[:], w.lastSum[:])
	w.mu.Unlock()
	if unchanged {
		return
	}

	old := Get()
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous config")
		return
	}
	log.Info().Str("path", w.path).Msg("config reloaded")

	w.mu.Lock()
	w.lastSum = sum
	cbs := append([]OnReload(nil), w.callbacks...)
	w.mu.Unlock()

	for _, cb := range cbs {
		notify(cb, old, cfg)
	}
}

func notify(cb OnReload, old, cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("config reload callback panicked")
		}
	}()
	cb(old, cfg)
}
