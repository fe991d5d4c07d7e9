// SPDX-License-Identifier: MIT

package equipment

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/radscheduler/core/internal/log"
)

// FixtureWatcher re-seeds a catalog Store whenever its backing YAML fixture
// file changes on disk, the same directory-watch + debounce idiom the
// teacher's config.ConfigHolder uses for its config.yaml (internal/config/
// reload.go) — watching the containing directory, not the file itself, so
// an editor's atomic replace (write-tmp + rename) is still observed.
type FixtureWatcher struct {
	path          string
	store         *Store
	debounceDelay time.Duration
}

// NewFixtureWatcher builds a FixtureWatcher over path, re-seeding store on
// every debounced change.
func NewFixtureWatcher(path string, store *Store) *FixtureWatcher {
	return &FixtureWatcher{path: path, store: store, debounceDelay: 500 * time.Millisecond}
}

// Run watches the fixture's directory until ctx is cancelled, reseeding
// store each time the fixture file is written, created, or renamed into
// place.
func (w *FixtureWatcher) Run(ctx context.Context) error {
	logger := log.WithComponent("equipment.watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("equipment: create fixture watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("equipment: watch fixture dir %s: %w", dir, err)
	}

	logger.Info().Str("path", w.path).Msg("watching catalog fixture for changes")

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounceDelay, func() {
				if err := w.reseed(context.Background()); err != nil {
					logger.Error().Err(err).Msg("catalog fixture reseed failed")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("fixture watcher error")
		}
	}
}

func (w *FixtureWatcher) reseed(ctx context.Context) error {
	fx, err := LoadCatalogFixture(w.path)
	if err != nil {
		return err
	}
	locations, rows, err := Seed(ctx, w.store, fx)
	if err != nil {
		return err
	}
	logger := log.WithComponent("equipment.watcher")
	logger.Info().
		Int("locations", locations).Int("equipment_rows", rows).Msg("catalog fixture reseeded")
	return nil
}
