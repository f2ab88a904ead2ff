// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// HISTORY WATCHER
// =============================================================================

// DefaultDebounce is the quiet period after the last file event before a
// refresh fires. Editors and atomic saves produce event bursts; one
// refresh per burst is enough.
const DefaultDebounce = 500 * time.Millisecond

// Watcher signals when history files change on disk, so the saved list
// stays current even when another process or the user's editor writes
// the directory.
type Watcher struct {
	dir      string
	debounce time.Duration
	notify   func()
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	dirty bool
	last  time.Time
}

// NewWatcher creates a watcher over the store's directory. notify runs on
// the watcher's own goroutine after each debounced burst of changes.
func NewWatcher(dir string, debounce time.Duration, notify func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		notify:   notify,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts delivering notifications. Call Close to stop.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	go w.processEvents()
	go w.processPending()
	return nil
}

// processEvents marks the directory dirty on relevant events.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.dirty = true
			w.last = time.Now()
			w.mu.Unlock()

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; the list just refreshes less.
		}
	}
}

// processPending fires the callback once a burst has settled.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			fire := w.dirty && time.Since(w.last) >= w.debounce
			if fire {
				w.dirty = false
			}
			w.mu.Unlock()

			if fire && w.notify != nil {
				w.notify()
			}
		}
	}
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}
