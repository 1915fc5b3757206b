package term

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tickbox/tickbox/internal/classify"
)

// State is a terminal's lifecycle state (section 4.2 state machine).
type State string

const (
	StateAbsent       State = "absent"
	StateAliveRunning State = "alive_running"
	StateAliveExited  State = "alive_exited"
	StateClosed       State = "closed"
)

const (
	settleInterval    = 500 * time.Millisecond
	settleQuietPeriod = 1500 * time.Millisecond
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 60 * time.Second
	inlineDiffLimit    = 20
	elideHeadLines     = 10
	elideTailLines     = 10
)

// Diff is what a settle/wait call returns to the model: either the
// terminal's rendered screen inline, or, past inlineDiffLimit lines, a head/tail excerpt
// plus the path to the full archive (section 4.2 "Diff format").
type Diff struct {
	Lines    []string
	Elided   bool
	Archive  string
	Exited   bool
	ExitCode int
}

// Terminal is one multiplexer slot: a tmux session inside the container,
// its VT100 emulation state, and the byte cursors that implement the
// observe-before-act invariant.
type Terminal struct {
	mu sync.Mutex

	slot    int
	name    string
	backend Backend
	vt      *vterm

	state  State
	expect string

	// byteCursor is how far the caller has observed (via a prior diff);
	// captureCursor is how far the capture loop has pulled from the
	// backend. UnobservedOutput fires when captureCursor has advanced
	// past byteCursor and the caller tries to act without observing.
	byteCursor    int64
	captureCursor int64

	raw          []byte // full raw stream captured this tick, archived on close
	archivePath  string
	exitCode     int

	// tmpDir is tmp/sessions/tty_N, the live working directory this
	// terminal mirrors its screen/screen.ansi/raw/scrollback/status
	// artifacts into on every capture (section 6 "data-repo layout the
	// runtime writes"). Empty disables the mirror (used by tests that
	// don't care about on-disk artifacts).
	tmpDir       string
	commandLabel string
}

func newTerminal(slot int, name string, backend Backend, cols, rows int, archivePath, tmpDir string) *Terminal {
	return &Terminal{
		slot:        slot,
		name:        name,
		backend:     backend,
		vt:          newVTerm(cols, rows),
		state:       StateAbsent,
		archivePath: archivePath,
		tmpDir:      tmpDir,
	}
}

// open starts (or confirms) the tmux session for this terminal.
func (t *Terminal) open(ctx context.Context, cols, rows int, command []string, expect string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateAliveRunning {
		return nil
	}
	if err := t.backend.NewSession(ctx, t.name, cols, rows, command); err != nil {
		return fmt.Errorf("opening terminal %d: %w", t.slot, err)
	}
	t.state = StateAliveRunning
	t.expect = expect
	t.byteCursor = 0
	t.captureCursor = 0
	t.raw = nil
	t.commandLabel = strings.Join(command, " ")
	if t.commandLabel == "" {
		t.commandLabel = "shell"
	}
	if err := t.writeArtifacts(); err != nil {
		return fmt.Errorf("opening terminal %d: %w", t.slot, err)
	}
	return nil
}

// capture pulls the current pane content from the backend and feeds any
// newly observed bytes to the VT emulator, advancing captureCursor. It is
// called by the registry's ~500ms capture loop (CaptureAll) and by settle
// on every poll of a wait call.
func (t *Terminal) capture(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateAliveRunning {
		return nil
	}

	content, err := t.backend.CapturePane(ctx, t.name)
	if err != nil {
		return err
	}
	alive, err := t.backend.HasSession(ctx, t.name)
	if err != nil {
		return err
	}

	if int64(len(content)) > t.captureCursor {
		fresh := content[t.captureCursor:]
		t.raw = append(t.raw, fresh...)
		t.vt.write(fresh)
		t.captureCursor = int64(len(content))
	}

	if !alive {
		t.state = StateAliveExited
	}
	return t.writeArtifacts()
}

// writeArtifacts mirrors this terminal's current screen, ANSI screen,
// raw stream, scrollback snapshot, and one-line status summary into
// tmp/sessions/tty_N (section 3/6). The caller must hold t.mu. A blank
// tmpDir is a no-op, used by tests that only care about in-memory state.
func (t *Terminal) writeArtifacts() error {
	if t.tmpDir == "" {
		return nil
	}
	if err := os.MkdirAll(t.tmpDir, 0o750); err != nil {
		return fmt.Errorf("terminal %d: creating artifact dir: %w", t.slot, err)
	}

	screen := strings.Join(t.vt.screen(), "\n")
	writes := map[string][]byte{
		"screen":      []byte(screen),
		"screen.ansi": t.vt.screenANSI(),
		"raw":         t.raw,
		"scrollback":  t.vt.snapshot(),
		"status":      []byte(t.statusLine()),
	}
	for name, data := range writes {
		if err := os.WriteFile(filepath.Join(t.tmpDir, name), data, 0o640); err != nil {
			return fmt.Errorf("terminal %d: writing %s: %w", t.slot, name, err)
		}
	}
	return nil
}

// statusLine is the one-line summary written to tmp/sessions/tty_N/status
// (SPEC_FULL.md section 3 "Per-terminal status line").
func (t *Terminal) statusLine() string {
	aliveness := "alive"
	if t.state != StateAliveRunning {
		aliveness = "exited"
	}
	label := t.commandLabel
	if label == "" {
		label = "shell"
	}
	return fmt.Sprintf("%s %s cursor=%d/%d\n", label, aliveness, t.byteCursor, t.captureCursor)
}

// expectMismatch implements the point-and-call invariant: typing into a
// terminal whose foreground process doesn't match the caller's declared
// expectation is UnexpectedProgram.
func (t *Terminal) expectMismatch(ctx context.Context) (bool, error) {
	if t.expect == "" {
		return false, nil
	}
	fg, err := t.backend.ForegroundProcess(ctx, t.name)
	if err != nil {
		return false, err
	}
	return fg != t.expect, nil
}

// hasUnobservedOutput reports whether this terminal's capture cursor has
// advanced past what the caller has consumed via a prior diff/settle
// call. The observe-before-act invariant (section 4.2/8.1) is global —
// "no live terminal has unread bytes" — so this is only one input to
// that check, not the whole of it; see Registry.Type.
func (t *Terminal) hasUnobservedOutput() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateAliveRunning && t.byteCursor < t.captureCursor
}

// typeInto sends keystrokes to the terminal, enforcing point-and-call.
// The caller (Registry.Type) is responsible for the observe-before-act
// invariant across every live terminal before calling this.
func (t *Terminal) typeInto(ctx context.Context, ks Keystrokes) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateAliveRunning {
		return fmt.Errorf("terminal %d is not running: %w", t.slot, classify.ErrUnexpectedProgram)
	}

	t.mu.Unlock()
	mismatch, err := t.expectMismatch(ctx)
	t.mu.Lock()
	if err != nil {
		return err
	}
	if mismatch {
		return fmt.Errorf("terminal %d: %w", t.slot, classify.ErrUnexpectedProgram)
	}

	return t.backend.SendKeys(ctx, t.name, ks.Bytes)
}

// diff advances byteCursor to captureCursor (the observe step of
// observe-before-act). When output was captured past the old byteCursor it
// returns the emulator's whole rendered screen, not only the lines that
// bytes past byteCursor produced; with nothing new it returns no lines.
func (t *Terminal) diff() Diff {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lines []string
	if t.captureCursor > t.byteCursor {
		lines = t.vt.screen()
	}
	t.byteCursor = t.captureCursor

	d := Diff{
		Lines:    lines,
		Exited:   t.state == StateAliveExited,
		ExitCode: t.exitCode,
	}
	if len(lines) > inlineDiffLimit {
		d.Elided = true
		d.Archive = t.archivePath
		head := lines[:elideHeadLines]
		tail := lines[len(lines)-elideTailLines:]
		merged := make([]string, 0, elideHeadLines+elideTailLines)
		merged = append(merged, head...)
		merged = append(merged, tail...)
		d.Lines = merged
	}
	return d
}

// settle waits until the terminal's output quiets for settleQuietPeriod,
// or timeout elapses (capped at maxWaitTimeout; a zero or negative
// timeout selects defaultWaitTimeout, so there is no immediate-return
// mode), polling the backend every settleInterval. It
// returns the accumulated diff once settled and advances cursors
// atomically with capture, never partially.
func (t *Terminal) settle(ctx context.Context, timeout time.Duration, capture func(context.Context) error) (Diff, error) {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	deadline := time.Now().Add(timeout)
	var lastCursor int64 = -1
	var quietSince time.Time

	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()

	for {
		if err := capture(ctx); err != nil {
			return Diff{}, err
		}

		t.mu.Lock()
		cursor := t.captureCursor
		exited := t.state == StateAliveExited
		t.mu.Unlock()

		if exited {
			return t.diff(), nil
		}

		now := time.Now()
		if cursor == lastCursor {
			if quietSince.IsZero() {
				quietSince = now
			} else if now.Sub(quietSince) >= settleQuietPeriod {
				return t.diff(), nil
			}
		} else {
			quietSince = time.Time{}
			lastCursor = cursor
		}

		if now.After(deadline) {
			return t.diff(), nil
		}

		select {
		case <-ctx.Done():
			return Diff{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// close tears down the tmux session and marks the terminal closed,
// archiving its raw stream to archivePath first.
func (t *Terminal) close(ctx context.Context, archive func(slot int, raw []byte) (string, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateAbsent || t.state == StateClosed {
		t.state = StateClosed
		return nil
	}
	if err := t.backend.KillSession(ctx, t.name); err != nil {
		// Already gone is fine; anything else still proceeds to close so
		// a misbehaving backend can't wedge the slot forever.
		_ = err
	}
	if archive != nil {
		path, err := archive(t.slot, t.raw)
		if err == nil {
			t.archivePath = path
		}
	}
	_ = t.vt.close()
	t.state = StateClosed
	_ = t.writeArtifacts()
	return nil
}

func (t *Terminal) snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vt.snapshot()
}

// Slot returns this terminal's slot number.
func (t *Terminal) Slot() int { return t.slot }

// State returns this terminal's current lifecycle state.
func (t *Terminal) State() State { return t.currentState() }

func (t *Terminal) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
