package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Context is threaded into every subcommand's Run, mirroring the
// teacher's *Context parameter pattern in cmd/sand.
type Context struct {
	ConfigDir string
	Registry  *InstanceRegistry
}

// CLI is the root kong command tree (section 2.12 / 6's CLI surface).
type CLI struct {
	ConfigDir string `default:"~/.config/tickbox" help:"per-user config directory holding the instance registry and SSH authority"`
	LogFile   string `default:"~/.config/tickbox/tickbox.log" help:"log file path (rotated daily, 14-day retention, 5MB cap)"`
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"log level"`

	Init      InitCmd      `cmd:"" help:"create a data repo skeleton and register an instance"`
	Tick      TickCmd      `cmd:"" help:"fire a single tick for an instance"`
	Watch     WatchCmd     `cmd:"" help:"run the outer watcher loop for an instance"`
	List      ListCmd      `cmd:"" help:"list registered instances, or one instance's tick history"`
	Remove    RemoveCmd    `cmd:"" help:"drop an instance from the registry"`
	Install   InstallCmd   `cmd:"" help:"install a systemd user unit that watches an instance"`
	Uninstall UninstallCmd `cmd:"" help:"remove an instance's systemd user unit"`
	Version   VersionCmd   `cmd:"" help:"print build version information"`
}

// initLogging installs the process-wide slog default logger writing JSON
// to a lumberjack-rotated file, exactly as the teacher's initSlog does,
// generalized to tickbox's own rotation policy (section 0): 5MB current
// file cap, 14-day retention, plus a forced rotation at local midnight
// since lumberjack itself only rotates on size.
func (c *CLI) initLogging() (*lumberjack.Logger, error) {
	path, err := expandHome(c.LogFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5,
		MaxBackups: 14,
		MaxAge:     14,
		Compress:   true,
	}

	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: level})))
	return lj, nil
}

// rotateAtMidnight forces lj.Rotate() once every local midnight until ctx
// is cancelled; lumberjack's own rotation is size-triggered only, so this
// is what makes rotation "daily" per section 0/6.
func rotateAtMidnight(done <-chan struct{}, lj *lumberjack.Logger) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			if err := lj.Rotate(); err != nil {
				slog.Warn("rotateAtMidnight", "error", err)
			}
		case <-done:
			timer.Stop()
			return
		}
	}
}

func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

const description = `Manage tickbox instances: host-side agent runtimes that give a
model a persistent terminal workstation, one tick at a time.`

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("tickbox"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Exit(func(code int) { os.Exit(exitUsage) }),
		kong.Configuration(kongyaml.Loader, "~/.config/tickbox/config.yaml"),
	)
}
