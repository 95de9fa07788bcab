package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// ReloadFunc receives the freshly loaded configuration after the file
// on disk changed.
type ReloadFunc func(*Config)

// Reloader watches a config file and invokes a callback with the
// reloaded configuration whenever it changes.
type Reloader struct {
	path      string
	fsWatcher *fsnotify.Watcher
	callback  ReloadFunc

	mu     sync.Mutex
	cancel chan struct{}
	closed bool
}

// WatchFile starts watching the config file at path. The containing
// directory is watched rather than the file itself, so editors that
// replace the file on save still trigger a reload.
func WatchFile(path string, callback ReloadFunc) (*Reloader, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsW.Close()
		return nil, err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return nil, err
	}

	r := &Reloader{
		path:      abs,
		fsWatcher: fsW,
		callback:  callback,
		cancel:    make(chan struct{}),
	}
	go r.watchLoop()
	return r, nil
}

// watchLoop processes fsnotify events with debouncing.
func (r *Reloader) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-r.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-r.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, r.reload)

		case err, ok := <-r.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}

// reload re-reads the file and hands the result to the callback.
// A file that fails to load keeps the previous configuration in place.
func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		log.Printf("config reload skipped: %v", err)
		return
	}
	log.Printf("config reloaded from %s", r.path)
	r.callback(cfg)
}

// Close stops watching. Idempotent.
func (r *Reloader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.cancel)
	r.fsWatcher.Close()
}
