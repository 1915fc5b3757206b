// Package notify is the notification injector (spec C6): it watches a
// directory for mid-tick notification files and delivers each one, in
// file-creation order and at most once, into the live session.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 500 * time.Millisecond

// Injector delivers text into a live session.
type Injector interface {
	Inject(ctx context.Context, text string) error
}

// Watcher watches dir for new "*.txt" files and injects each one's
// content, deleting it only once delivery succeeds (at-most-once
// semantics, section 4.5).
type Watcher struct {
	dir string
}

// New returns a Watcher over dir (system/notifications).
func New(dir string) *Watcher {
	return &Watcher{dir: dir}
}

// Run delivers notifications to inj until ctx is cancelled. It prefers a
// real fsnotify watch and falls back to polling every 500ms if the watch
// can't be established (e.g. an unsupported filesystem), so the same
// delivery loop works whether or not inotify-style events are available.
func (w *Watcher) Run(ctx context.Context, inj Injector) error {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("notify: creating %s: %w", w.dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.WarnContext(ctx, "notify.Run", "fsnotify_unavailable_polling", err)
		return w.runPolling(ctx, inj)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		slog.WarnContext(ctx, "notify.Run", "fsnotify_watch_failed_polling", err)
		return w.runPolling(ctx, inj)
	}

	// A watch only reports new events; drain whatever already existed
	// before the watch was established, then react to subsequent Create
	// events plus a periodic sweep in case an event is ever missed.
	if err := w.deliverNewFiles(ctx, inj); err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := w.deliverNewFiles(ctx, inj); err != nil {
				return err
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "notify.Run", "fsnotify_error", err)
		case <-ticker.C:
			if err := w.deliverNewFiles(ctx, inj); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) runPolling(ctx context.Context, inj Injector) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := w.deliverNewFiles(ctx, inj); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type pendingFile struct {
	path    string
	modTime time.Time
}

// deliverNewFiles reads every *.txt file in dir, ordered by creation
// (approximated by modification time, since most filesystems don't
// expose a portable birth time), injects each, and deletes it on
// success. A file whose injection fails is left in place for the next
// pass (best-effort delivery, section 4.5).
func (w *Watcher) deliverNewFiles(ctx context.Context, inj Injector) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("notify: reading %s: %w", w.dir, err)
	}

	var pending []pendingFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".txt" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		pending = append(pending, pendingFile{
			path:    filepath.Join(w.dir, e.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].modTime.Before(pending[j].modTime) })

	for _, f := range pending {
		data, err := os.ReadFile(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // delivered by a concurrent pass already
			}
			slog.WarnContext(ctx, "notify.deliverNewFiles", "read_error", err, "path", f.path)
			continue
		}
		if err := inj.Inject(ctx, string(data)); err != nil {
			// Best-effort: leave the file for the next pass, or forever
			// if the session has ended, which is the documented
			// best-effort semantics rather than a hard failure.
			slog.WarnContext(ctx, "notify.deliverNewFiles", "inject_error", err, "path", f.path)
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "notify.deliverNewFiles", "remove_error", err, "path", f.path)
		}
	}
	return nil
}
