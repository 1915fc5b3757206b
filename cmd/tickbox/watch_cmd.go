package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/tickbox/tickbox/internal/watch"
)

// WatchCmd runs the outer watcher loop (section 4.6) for a registered
// instance until interrupted.
type WatchCmd struct {
	Name     string        `arg:"" help:"registered instance name"`
	Interval time.Duration `default:"10s" help:"poll interval between watcher iterations"`
}

func (c *WatchCmd) Run(cctx *Context) error {
	inst, err := cctx.Registry.Find(c.Name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, closeEngine, err := buildEngine(ctx, inst)
	if err != nil {
		return err
	}
	defer closeEngine()

	w := watch.New(engine, c.Interval)
	fmt.Printf("watching instance %q every %s\n", c.Name, c.Interval)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
