// Package hooks runs the ordered executables under system/hooks/{pre-tick,
// pre-stop,post-tick} (spec C3 / section 4.4). Hooks execute inside the
// instance's container (section "Open Questions": the spec resolves the
// host-vs-container ambiguity in favor of container-exec, since the hook
// env references DATA_DIR at its in-container path and this gives hooks
// the container's own toolchain), so the runner depends on an Execer
// rather than shelling out directly.
package hooks

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Point identifies one of the three hook points. Hook points are strictly
// ordered relative to each other: pre-tick < pre-stop < post-tick.
type Point string

const (
	PreTick  Point = "pre-tick"
	PreStop  Point = "pre-stop"
	PostTick Point = "post-tick"
)

// Timeout returns the per-point timeout from section 4.4: 60s for pre-tick
// and post-tick, 30s for pre-stop.
func (p Point) Timeout() time.Duration {
	if p == PreStop {
		return 30 * time.Second
	}
	return 60 * time.Second
}

// Execer runs a command inside the instance's container and returns its
// combined exit status and streams. Implemented by containerhost.Manager.
type Execer interface {
	Exec(ctx context.Context, argv []string, env map[string]string) (ExecResult, error)
}

// ExecResult is the raw outcome of one in-container command invocation.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Dirent is one directory entry as seen by the container, abstracted so
// the runner doesn't need a second host/container filesystem dependency:
// callers list the hook directory via the same Execer.
type Dirent struct {
	Name       string
	Executable bool
}

// Lister enumerates a directory inside the container.
type Lister interface {
	ListDir(ctx context.Context, dir string) ([]Dirent, error)
}

// Result is one hook script's outcome (section 4.4): exit_code,
// stdout_lines, stderr, timed_out. Failures never propagate to the
// caller — the caller decides what stdout means (pre-stop treats each
// non-empty line as a blocking issue).
type Result struct {
	Name       string
	ExitCode   int
	StdoutLines []string
	Stderr     string
	TimedOut   bool
}

// Runner executes a hook point's scripts against an in-container Execer.
type Runner struct {
	exec    Execer
	list    Lister
	dataDir string // in-container data dir, injected as DATA_DIR
}

// NewRunner builds a Runner. dataDir is the data repo's in-container
// absolute path (the mount is 1:1 with the host path, section "Mounting").
func NewRunner(exec Execer, list Lister, dataDir string) *Runner {
	return &Runner{exec: exec, list: list, dataDir: dataDir}
}

// isEligible reports whether name is a hook script candidate: not a
// dotfile, doesn't end in '~'.
func isEligible(d Dirent) bool {
	if strings.HasPrefix(d.Name, ".") {
		return false
	}
	if strings.HasSuffix(d.Name, "~") {
		return false
	}
	return d.Executable
}

// Run enumerates hookDir in sorted filename order and runs each eligible
// executable with DATA_DIR plus env, bounded by point's timeout. Hook
// failures (nonzero exit, timeout, exec error) are captured in Result and
// never returned as an error — callers decide what to do with the result.
func (r *Runner) Run(ctx context.Context, point Point, hookDir string, env map[string]string) ([]Result, error) {
	entries, err := r.list.ListDir(ctx, hookDir)
	if err != nil {
		// Missing hooks directory is not an error; there are simply no
		// hooks at this point.
		return nil, nil
	}

	var names []string
	byName := make(map[string]Dirent, len(entries))
	for _, e := range entries {
		if !isEligible(e) {
			continue
		}
		names = append(names, e.Name)
		byName[e.Name] = e
	}
	sort.Strings(names)

	full := make(map[string]string, len(env)+2)
	for k, v := range env {
		full[k] = v
	}
	full["DATA_DIR"] = r.dataDir

	results := make([]Result, 0, len(names))
	for _, name := range names {
		results = append(results, r.runOne(ctx, path.Join(hookDir, name), name, point.Timeout(), full))
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, fullPath, name string, timeout time.Duration, env map[string]string) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.exec.Exec(runCtx, []string{fullPath}, env)
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Name: name, TimedOut: true}
	}
	if err != nil {
		return Result{Name: name, ExitCode: -1, Stderr: err.Error()}
	}
	return Result{
		Name:        name,
		ExitCode:    res.ExitCode,
		StdoutLines: splitLines(res.Stdout),
		Stderr:      string(res.Stderr),
	}
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// BlockingIssues extracts the pre-stop blocking lines from a set of
// results: every non-empty stdout line, across all hooks, in run order.
// Fail-open: a timed-out or errored hook contributes nothing.
func BlockingIssues(results []Result) []string {
	var issues []string
	for _, r := range results {
		if r.TimedOut {
			continue
		}
		for _, line := range r.StdoutLines {
			if strings.TrimSpace(line) != "" {
				issues = append(issues, fmt.Sprintf("%s: %s", r.Name, line))
			}
		}
	}
	return issues
}

// EnvForPostTick builds the env map for a post-tick hook invocation
// (section "Environment variables injected into hooks").
func EnvForPostTick(prefix string, tick int, duration time.Duration, tickLog, lastMessage, sessionID, status string) map[string]string {
	return map[string]string{
		prefix + "_TICK":          fmt.Sprintf("%d", tick),
		prefix + "_TICK_DURATION":  duration.String(),
		prefix + "_TICK_LOG":       tickLog,
		prefix + "_LAST_MESSAGE":   lastMessage,
		prefix + "_SESSION_ID":     sessionID,
		prefix + "_TICK_STATUS":    status,
	}
}

// EnvForPreStop builds the env map for a pre-stop hook invocation.
func EnvForPreStop(prefix string, tick int, lastMessage, sessionID string) map[string]string {
	return map[string]string{
		prefix + "_TICK":        fmt.Sprintf("%d", tick),
		prefix + "_LAST_MESSAGE": lastMessage,
		prefix + "_SESSION_ID":   sessionID,
	}
}

// EnvForPreTick builds the env map for a pre-tick hook invocation.
func EnvForPreTick(prefix string, tick int) map[string]string {
	return map[string]string{
		prefix + "_TICK": fmt.Sprintf("%d", tick),
	}
}
