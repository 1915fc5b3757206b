package hooks

import (
	"context"
	"testing"
	"time"
)

type fakeLister struct {
	entries map[string][]Dirent
}

func (f *fakeLister) ListDir(ctx context.Context, dir string) ([]Dirent, error) {
	e, ok := f.entries[dir]
	if !ok {
		return nil, context.Canceled
	}
	return e, nil
}

type fakeExecer struct {
	byPath map[string]ExecResult
	delay  map[string]time.Duration
	calls  []string
}

func (f *fakeExecer) Exec(ctx context.Context, argv []string, env map[string]string) (ExecResult, error) {
	f.calls = append(f.calls, argv[0])
	if d, ok := f.delay[argv[0]]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		}
	}
	return f.byPath[argv[0]], nil
}

func TestRunSortsAndSkipsDotfilesAndBackups(t *testing.T) {
	lister := &fakeLister{entries: map[string][]Dirent{
		"/data/system/hooks/pre-tick": {
			{Name: "20-second", Executable: true},
			{Name: ".hidden", Executable: true},
			{Name: "10-first", Executable: true},
			{Name: "30-backup~", Executable: true},
			{Name: "40-not-exec", Executable: false},
		},
	}}
	execer := &fakeExecer{byPath: map[string]ExecResult{
		"/data/system/hooks/pre-tick/10-first":  {ExitCode: 0},
		"/data/system/hooks/pre-tick/20-second": {ExitCode: 0},
	}}
	r := NewRunner(execer, lister, "/data")

	results, err := r.Run(context.Background(), PreTick, "/data/system/hooks/pre-tick", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 eligible hooks, got %d: %+v", len(results), results)
	}
	if execer.calls[0] != "/data/system/hooks/pre-tick/10-first" || execer.calls[1] != "/data/system/hooks/pre-tick/20-second" {
		t.Fatalf("want sorted order 10-first,20-second, got %v", execer.calls)
	}
}

func TestRunMissingDirIsNotError(t *testing.T) {
	lister := &fakeLister{entries: map[string][]Dirent{}}
	r := NewRunner(&fakeExecer{}, lister, "/data")
	results, err := r.Run(context.Background(), PreTick, "/data/system/hooks/pre-tick", nil)
	if err != nil {
		t.Fatalf("want nil error for missing hook dir, got %v", err)
	}
	if results != nil {
		t.Fatalf("want nil results, got %v", results)
	}
}

func TestRunOneTimesOutAndFailsOpen(t *testing.T) {
	execer := &fakeExecer{
		byPath: map[string]ExecResult{"/data/system/hooks/pre-stop/slow": {ExitCode: 0, Stdout: []byte("blocking issue\n")}},
		delay:  map[string]time.Duration{"/data/system/hooks/pre-stop/slow": time.Hour},
	}
	r := NewRunner(execer, &fakeLister{}, "/data")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := r.runOne(ctx, "/data/system/hooks/pre-stop/slow", "slow", 10*time.Millisecond, nil)
	if !result.TimedOut {
		t.Fatalf("want TimedOut=true, got %+v", result)
	}
	if len(result.StdoutLines) != 0 {
		t.Fatalf("timed-out hook should produce no blocking lines (fail-open), got %v", result.StdoutLines)
	}
}

func TestBlockingIssuesFailsOpenOnTimeout(t *testing.T) {
	results := []Result{
		{Name: "a", TimedOut: true, StdoutLines: []string{"would have blocked"}},
		{Name: "b", StdoutLines: []string{"real issue"}},
		{Name: "c", StdoutLines: []string{""}},
	}
	issues := BlockingIssues(results)
	if len(issues) != 1 || issues[0] != "b: real issue" {
		t.Fatalf("want exactly one issue from b, got %v", issues)
	}
}

func TestEnvHelpersIncludeTickAndPrefix(t *testing.T) {
	env := EnvForPostTick("AGENT", 3, 2*time.Second, "/data/system/logs/tick-003.jsonl", "done", "sess-1", "normal")
	if env["AGENT_TICK"] != "3" {
		t.Fatalf("want AGENT_TICK=3, got %v", env["AGENT_TICK"])
	}
	if env["AGENT_TICK_STATUS"] != "normal" {
		t.Fatalf("want AGENT_TICK_STATUS=normal, got %v", env["AGENT_TICK_STATUS"])
	}
}

func TestPointTimeouts(t *testing.T) {
	if PreTick.Timeout() != 60*time.Second {
		t.Fatalf("pre-tick want 60s, got %v", PreTick.Timeout())
	}
	if PostTick.Timeout() != 60*time.Second {
		t.Fatalf("post-tick want 60s, got %v", PostTick.Timeout())
	}
	if PreStop.Timeout() != 30*time.Second {
		t.Fatalf("pre-stop want 30s, got %v", PreStop.Timeout())
	}
}
