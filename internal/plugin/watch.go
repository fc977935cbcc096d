// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
)

// watchDebounce coalesces bursts of filesystem events (editors write
// manifests in several syscalls) into one re-discovery.
const watchDebounce = 500 * time.Millisecond

// Watch re-runs Discover whenever a manifest under a directory source
// changes. It blocks until ctx is cancelled. Sources that are not directory
// backed are unaffected.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return chainerr.Wrap(err, chainerr.CodeRegistryWatchFailure, "creating watcher")
	}
	defer watcher.Close()

	watched := 0
	for _, src := range r.sources {
		ds, ok := src.(DirSource)
		if !ok {
			continue
		}
		watched += watchTree(watcher, ds.Dir)
	}

	if watched == 0 {
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// fsnotify is not recursive: a plugin directory created after
			// startup must be added explicitly or edits inside it go unseen.
			if event.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						slog.Warn("cannot watch plugin subdirectory", "dir", event.Name, "error", err)
					}
				}
			}
			if !manifestEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				fire = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("plugin watch error", "error", err)

		case <-fire:
			timer = nil
			fire = nil
			if err := r.Discover(ctx); err != nil {
				slog.Warn("plugin re-discovery failed", "error", err)
			} else {
				slog.Info("plugin registry refreshed", "plugins", len(r.List()))
			}
		}
	}
}

// watchTree registers dir and each of its immediate subdirectories.
// DirSource discovers subdir/plugin.yaml manifests, so edits inside a
// subdirectory must also produce events.
func watchTree(watcher *fsnotify.Watcher, dir string) int {
	if err := watcher.Add(dir); err != nil {
		slog.Warn("cannot watch plugins directory", "dir", dir, "error", err)
		return 0
	}
	watched := 1

	entries, err := os.ReadDir(dir)
	if err != nil {
		return watched
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if err := watcher.Add(sub); err != nil {
			slog.Warn("cannot watch plugin subdirectory", "dir", sub, "error", err)
			continue
		}
		watched++
	}

	return watched
}

func manifestEvent(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	return strings.HasSuffix(event.Name, ".yaml") || strings.HasSuffix(event.Name, ".yml") ||
		event.Op.Has(fsnotify.Create)
}
