// Implements the collection change feed.

package jsondb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Event reports that a collection file was replaced or written.
type Event struct {
	Collection string
	Path       string
}

// Watch calls fn for every change to a declared collection file, until ctx is
// done. The watch is registered before Watch returns, so changes made after
// the call are reported. fn runs on a single goroutine.
//
// Changes are reported per file system event; one Persist may be reported
// more than once.
func (s *Store) Watch(ctx context.Context, fn func(context.Context, Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				name, ok := s.collectionFor(event.Name)
				if !ok {
					continue
				}
				fn(ctx, Event{Collection: name, Path: event.Name})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "jsondb: error watching collections", "err", err)
			}
		}
	}()
	return nil
}

func (s *Store) collectionFor(path string) (string, bool) {
	base := filepath.Base(path)
	name, ok := strings.CutSuffix(base, ".json")
	if !ok || !s.Has(name) {
		return "", false
	}
	return name, true
}
