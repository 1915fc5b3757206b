// Command tickbox is the operator-facing CLI for the tick engine,
// watcher, and instance registry (section 2.12): init, tick, watch,
// list, remove, install, uninstall.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tickbox/tickbox/internal/telemetry"
	"github.com/tickbox/tickbox/internal/tick"
)

// Exit codes per section 6: 0 success, 2 usage error, 3 instance not
// found, 4 tick ended abnormal, 5 paused. Any other failure uses 1.
const (
	exitSuccess          = 0
	exitError            = 1
	exitUsage            = 2
	exitInstanceNotFound = 3
	exitTickAbnormal     = 4
	exitPaused           = 5
)

func main() {
	os.Exit(run())
}

// run does the real work and returns an exit code; main just calls
// os.Exit(run()) so every deferred cleanup (log rotation, telemetry
// shutdown) actually executes before the process exits.
func run() int {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	registerCompletion(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	lj, err := cli.initLogging()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	done := make(chan struct{})
	go rotateAtMidnight(done, lj)
	defer close(done)

	configDir, err := expandHome(cli.ConfigDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	shutdown, err := telemetry.Setup(context.Background(), configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer shutdown(context.Background())

	appCtx := &Context{ConfigDir: configDir, Registry: NewInstanceRegistry(configDir)}
	runErr := kctx.Run(appCtx)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
	}
	return exitCodeFor(runErr)
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, ErrInstanceNotFound):
		return exitInstanceNotFound
	case errors.Is(err, errTickAbnormal):
		return exitTickAbnormal
	case errors.Is(err, tick.ErrPaused):
		return exitPaused
	default:
		return exitError
	}
}
