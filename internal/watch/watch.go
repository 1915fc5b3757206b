// Package watch is the outer watcher (spec C8): a single-threaded loop
// over sleep intervals that decides when a tick is due, fires it
// synchronously through the tick engine, and records crashes. Ticks never
// overlap — the watcher is the only thing running between ticks.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/tickbox/tickbox/internal/reposite"
	"github.com/tickbox/tickbox/internal/tick"
)

// defaultInterval is the watcher's poll period (section 4.6).
const defaultInterval = 10 * time.Second

// Watcher owns the tick engine across ticks (section 4.3 "Ownership").
type Watcher struct {
	Engine   *tick.Engine
	Interval time.Duration

	namegen namegenerator.Generator
}

// New returns a Watcher polling at interval (defaultInterval if <= 0).
func New(engine *tick.Engine, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Watcher{
		Engine:   engine,
		Interval: interval,
		namegen:  namegenerator.NewNameGenerator(time.Now().UnixNano()),
	}
}

// Run loops until ctx is cancelled, firing one tick per due iteration.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := w.Tick(ctx); err != nil {
				slog.WarnContext(ctx, "watch.Tick", "error", err)
			}
		}
	}
}

// Tick runs exactly one watcher iteration (section 4.6): checks paused,
// then the trigger file, then the schedule, firing at most one tick. fired
// reports whether a tick was actually started.
func (w *Watcher) Tick(ctx context.Context) (fired bool, result tick.Result, err error) {
	repo := w.Engine.Repo

	if repo.IsPaused() {
		return false, tick.Result{}, nil
	}

	reason, ok, err := repo.ReadTrigger()
	if err != nil {
		return false, tick.Result{}, fmt.Errorf("watch: reading trigger: %w", err)
	}
	if ok {
		return w.fire(ctx, reason)
	}

	entry, ok, err := repo.PopDueEntry(time.Now().Unix())
	if err != nil {
		return false, tick.Result{}, fmt.Errorf("watch: popping due schedule entry: %w", err)
	}
	if !ok {
		return false, tick.Result{}, nil
	}
	reason = entry.Reason
	if reason == "" {
		reason = w.namegen.Generate()
	}
	return w.fire(ctx, reason)
}

// fire runs the tick engine and, on exception, records a crash_notify
// (section 4.6 step 4) rather than propagating — the watcher keeps looping
// regardless of how one tick ended.
func (w *Watcher) fire(ctx context.Context, reason string) (bool, tick.Result, error) {
	slog.InfoContext(ctx, "watch.fire", "reason", reason)
	result, err := w.Engine.Run(ctx, reason)
	if err != nil {
		_ = w.Engine.Repo.WriteCrashNotify(reposite.CrashNotify{
			Reason:  reason,
			Kind:    "watcher_exception",
			Message: err.Error(),
			Time:    time.Now(),
		})
		return true, result, err
	}
	return true, result, nil
}
