package tick

import (
	"context"
	"errors"
	"path"
	"testing"
	"time"

	"github.com/tickbox/tickbox/internal/hooks"
	"github.com/tickbox/tickbox/internal/reposite"
	"github.com/tickbox/tickbox/internal/session"
	"github.com/tickbox/tickbox/internal/session/fakesession"
	"github.com/tickbox/tickbox/internal/term"
)

// fakeHooks is a hooks.Execer + hooks.Lister with scripted directory
// contents and exec outcomes, so endOfTickGate's pre-stop run can be
// exercised without a real container.
type fakeHooks struct {
	entries map[string][]hooks.Dirent
	stdout  map[string][]byte
	exit    map[string]int
}

func (f *fakeHooks) ListDir(ctx context.Context, dir string) ([]hooks.Dirent, error) {
	entries, ok := f.entries[dir]
	if !ok {
		return nil, errors.New("no such directory")
	}
	return entries, nil
}

func (f *fakeHooks) Exec(ctx context.Context, argv []string, env map[string]string) (hooks.ExecResult, error) {
	name := argv[0]
	return hooks.ExecResult{ExitCode: f.exit[name], Stdout: f.stdout[name]}, nil
}

func newEngineForGateTest(t *testing.T) (*Engine, *fakeHooks) {
	t.Helper()
	repo := reposite.New(t.TempDir())
	fh := &fakeHooks{entries: map[string][]hooks.Dirent{}, stdout: map[string][]byte{}, exit: map[string]int{}}
	return &Engine{Repo: repo}, fh
}

func TestEndOfTickGateRequiresLoginCalled(t *testing.T) {
	e, fh := newEngineForGateTest(t)
	registry := term.NewRegistry(term.Config{Backend: newFakeBackend(), InstanceName: "test"})
	runner := hooks.NewRunner(fh, fh, "/data")

	issues := e.endOfTickGate(context.Background(), registry, false, "AGENT", 1, "done", runner)
	found := false
	for _, issue := range issues {
		if issue == "login has not been called yet this tick" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want login-not-called issue, got %v", issues)
	}
}

func TestEndOfTickGateBlocksOnLiveTerminal(t *testing.T) {
	e, fh := newEngineForGateTest(t)
	be := newFakeBackend()
	registry := term.NewRegistry(term.Config{Backend: be, InstanceName: "test"})
	if _, err := registry.Open(context.Background(), []string{"bash"}, ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	runner := hooks.NewRunner(fh, fh, "/data")

	issues := e.endOfTickGate(context.Background(), registry, true, "AGENT", 1, "done", runner)
	if len(issues) == 0 {
		t.Fatal("want a blocking issue for the still-live terminal")
	}
}

func TestEndOfTickGateSurfacesPreStopHookOutput(t *testing.T) {
	e, fh := newEngineForGateTest(t)
	hookDir := e.Repo.HooksDir("pre-stop")
	hookPath := path.Join(hookDir, "check.sh")
	fh.entries[hookDir] = []hooks.Dirent{{Name: "check.sh", Executable: true}}
	fh.stdout[hookPath] = []byte("outstanding backup not finished\n")
	fh.exit[hookPath] = 0
	registry := term.NewRegistry(term.Config{Backend: newFakeBackend(), InstanceName: "test"})
	runner := hooks.NewRunner(fh, fh, "/data")

	issues := e.endOfTickGate(context.Background(), registry, true, "AGENT", 1, "done", runner)
	if len(issues) != 1 || issues[0] != "check.sh: outstanding backup not finished" {
		t.Fatalf("want the hook's stdout line as a blocking issue, got %v", issues)
	}
}

func TestEndOfTickGateClearWhenNothingOutstanding(t *testing.T) {
	e, fh := newEngineForGateTest(t)
	registry := term.NewRegistry(term.Config{Backend: newFakeBackend(), InstanceName: "test"})
	runner := hooks.NewRunner(fh, fh, "/data")

	issues := e.endOfTickGate(context.Background(), registry, true, "AGENT", 1, "done", runner)
	if len(issues) != 0 {
		t.Fatalf("want no blocking issues, got %v", issues)
	}
}

func TestDispatchAndRespondRoutesSuccessBack(t *testing.T) {
	e := &Engine{}
	sess := fakesession.NewSession("", nil, nil)
	tools := map[string]session.ToolSpec{
		"echo": {Name: "echo", Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "ok", nil
		}},
	}
	ev := session.Event{Kind: session.EventToolCall, ToolCallID: "call-1", ToolName: "echo"}

	if err := e.dispatchAndRespond(context.Background(), sess, tools, ev); err != nil {
		t.Fatalf("dispatchAndRespond: %v", err)
	}
	got := sess.Responses()
	if len(got) != 1 || got[0].Output != "ok" || got[0].IsError {
		t.Fatalf("want one successful response, got %v", got)
	}
}

func TestDispatchAndRespondReportsUnknownToolAsError(t *testing.T) {
	e := &Engine{}
	sess := fakesession.NewSession("", nil, nil)
	ev := session.Event{Kind: session.EventToolCall, ToolCallID: "call-1", ToolName: "nope"}

	if err := e.dispatchAndRespond(context.Background(), sess, map[string]session.ToolSpec{}, ev); err == nil {
		t.Fatal("want an error for an unregistered tool")
	}
	got := sess.Responses()
	if len(got) != 1 || !got[0].IsError {
		t.Fatalf("want one error response, got %v", got)
	}
}

func TestDispatchAndRespondReportsHandlerErrorWithoutFailingTick(t *testing.T) {
	e := &Engine{}
	sess := fakesession.NewSession("", nil, nil)
	tools := map[string]session.ToolSpec{
		"fail": {Name: "fail", Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("boom")
		}},
	}
	ev := session.Event{Kind: session.EventToolCall, ToolCallID: "call-1", ToolName: "fail"}

	_ = e.dispatchAndRespond(context.Background(), sess, tools, ev)
	got := sess.Responses()
	if len(got) != 1 || !got[0].IsError || got[0].Output != "boom" {
		t.Fatalf("want a single error response carrying the handler's error, got %v", got)
	}
}

// The 300s watchdog itself is exercised indirectly: dispatchAndRespond
// checks callCtx.Err() against context.DeadlineExceeded after the handler
// returns, and a parent deadline that has passed makes callCtx report
// DeadlineExceeded too, so this short deadline drives the same
// "tool call timed out" branch the watchdog uses.
func TestDispatchAndRespondPropagatesContextCancellation(t *testing.T) {
	e := &Engine{}
	sess := fakesession.NewSession("", nil, nil)
	tools := map[string]session.ToolSpec{
		"slow": {Name: "slow", Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
	}
	ev := session.Event{Kind: session.EventToolCall, ToolCallID: "call-1", ToolName: "slow"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = e.dispatchAndRespond(ctx, sess, tools, ev)

	got := sess.Responses()
	if len(got) != 1 || !got[0].IsError {
		t.Fatalf("want a single error response on cancellation, got %v", got)
	}
}
