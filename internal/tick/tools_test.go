package tick

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tickbox/tickbox/internal/classify"
	"github.com/tickbox/tickbox/internal/session"
	"github.com/tickbox/tickbox/internal/term"
)

// fakeBackend is an in-memory term.Backend: every session starts alive and
// stays alive until KillSession, with a fixed foreground process name so
// tests can exercise the point-and-call invariant deterministically.
type fakeBackend struct {
	mu       sync.Mutex
	alive    map[string]bool
	fg       map[string]string
	pane     map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{alive: map[string]bool{}, fg: map[string]string{}, pane: map[string][]byte{}}
}

func (b *fakeBackend) NewSession(ctx context.Context, name string, cols, rows int, command []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive[name] = true
	b.fg[name] = "bash"
	return nil
}

func (b *fakeBackend) SendKeys(ctx context.Context, name string, keys []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pane[name] = append(b.pane[name], keys...)
	return nil
}

func (b *fakeBackend) CapturePane(ctx context.Context, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.pane[name]...), nil
}

func (b *fakeBackend) KillSession(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive[name] = false
	return nil
}

func (b *fakeBackend) HasSession(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive[name], nil
}

func (b *fakeBackend) ForegroundProcess(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fg[name], nil
}

func (b *fakeBackend) setForeground(name, cmd string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fg[name] = cmd
}

func newTestRegistry(be term.Backend) *term.Registry {
	return term.NewRegistry(term.Config{Backend: be, InstanceName: "test"})
}

func handlerFor(t *testing.T, tools []session.ToolSpec, name string) session.ToolSpec {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("no tool named %q", name)
	return session.ToolSpec{}
}

func TestOpenHandlerReportsSlotAndCapacity(t *testing.T) {
	reg := newTestRegistry(newFakeBackend())
	tools := buildTools(reg)
	open := handlerFor(t, tools, "open")

	out, err := open.Handler(context.Background(), map[string]any{"command": []any{"bash"}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out == "" {
		t.Fatal("want non-empty open result")
	}
}

func TestTypeHandlerRejectsUnobservedOutput(t *testing.T) {
	be := newFakeBackend()
	reg := newTestRegistry(be)
	tools := buildTools(reg)
	open := handlerFor(t, tools, "open")
	typeTool := handlerFor(t, tools, "type")

	if _, err := open.Handler(context.Background(), map[string]any{"command": []any{"bash"}, "expect": "bash"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Simulate fresh output the model hasn't diffed yet.
	be.mu.Lock()
	be.pane["test-term-0"] = []byte("$ ")
	be.mu.Unlock()
	reg.CaptureAll(context.Background())

	_, err := typeTool.Handler(context.Background(), map[string]any{"slot": 0, "text": "ls", "expect": "bash"})
	if !errors.Is(err, classify.ErrUnobservedOutput) {
		t.Fatalf("want ErrUnobservedOutput, got %v", err)
	}
}

func TestTypeHandlerEnforcesPointAndCall(t *testing.T) {
	be := newFakeBackend()
	reg := newTestRegistry(be)
	tools := buildTools(reg)
	open := handlerFor(t, tools, "open")
	waitTool := handlerFor(t, tools, "wait")
	typeTool := handlerFor(t, tools, "type")

	if _, err := open.Handler(context.Background(), map[string]any{"command": []any{"bash"}, "expect": "bash"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := waitTool.Handler(context.Background(), map[string]any{"slot": 0, "timeout_seconds": 0.1}); err != nil {
		t.Fatalf("wait: %v", err)
	}

	be.setForeground("test-term-0", "vim")
	_, err := typeTool.Handler(context.Background(), map[string]any{"slot": 0, "text": "ls", "expect": "bash"})
	if !errors.Is(err, classify.ErrUnexpectedProgram) {
		t.Fatalf("want ErrUnexpectedProgram, got %v", err)
	}
}

func TestCloseHandlerTerminatesSession(t *testing.T) {
	be := newFakeBackend()
	reg := newTestRegistry(be)
	tools := buildTools(reg)
	open := handlerFor(t, tools, "open")
	closeTool := handlerFor(t, tools, "close")

	if _, err := open.Handler(context.Background(), map[string]any{"command": []any{"bash"}}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := closeTool.Handler(context.Background(), map[string]any{"slot": 0}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := reg.Get(0).State(); got != term.StateClosed {
		t.Fatalf("want terminal closed, got %v", got)
	}
}

func TestLoginHandlerSucceedsOnEmptyRegistry(t *testing.T) {
	reg := newTestRegistry(newFakeBackend())
	tools := buildTools(reg)
	login := handlerFor(t, tools, "login")
	if _, err := login.Handler(context.Background(), nil); err != nil {
		t.Fatalf("login: %v", err)
	}
}
