// Package term is the terminal manager (spec C5): it multiplexes up to 20
// concurrent shell sessions inside the instance container, diffing their
// output against what the model has already observed and enforcing the
// observe-before-act and point-and-call invariants before any keystroke
// reaches a pane.
package term

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tickbox/tickbox/internal/classify"
	"github.com/tickbox/tickbox/internal/telemetry"
)

// MaxSlots is the terminal slot pool size (section 4.2).
const MaxSlots = 20

const (
	defaultCols = 120
	defaultRows = 40
)

// entry is one slot's persisted bookkeeping in tmp/sessions/registry.json.
type entry struct {
	Slot   int    `json:"slot"`
	Name   string `json:"name"`
	State  State  `json:"state"`
	Expect string `json:"expect,omitempty"`
}

// Registry owns the fixed pool of terminal slots for one tick.
type Registry struct {
	backend      Backend
	sessionsDir  string // tmp/sessions
	archiveDir   string // system/logs/sessions
	instanceName string

	slots [MaxSlots]*Terminal
}

// Config configures a Registry.
type Config struct {
	Backend      Backend
	SessionsDir  string
	ArchiveDir   string
	InstanceName string
}

// NewRegistry builds an empty Registry; call Login once at the start of a
// tick to resume or archive sessions left over from a previous one.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		backend:      cfg.Backend,
		sessionsDir:  cfg.SessionsDir,
		archiveDir:   cfg.ArchiveDir,
		instanceName: cfg.InstanceName,
	}
}

func (r *Registry) sessionName(slot int) string {
	return fmt.Sprintf("%s-term-%d", r.instanceName, slot)
}

// Login is the tick-open composite (section 4.2 "login"): it reconciles
// in-memory slot state against tmux sessions that survived from a prior
// tick. A session tmux still has but this process doesn't recognize is
// "lost" — its scrollback is rotated to scrollback.prev so a fresh
// archive can start without clobbering history from before the restart.
func (r *Registry) Login(ctx context.Context) error {
	for slot := 0; slot < MaxSlots; slot++ {
		name := r.sessionName(slot)
		alive, err := r.backend.HasSession(ctx, name)
		if err != nil {
			return fmt.Errorf("login: checking slot %d: %w", slot, err)
		}
		if !alive {
			continue
		}

		// A session tmux remembers but we have no in-memory Terminal for:
		// rotate its prior scrollback out of the way, then adopt it.
		scrollback := filepath.Join(r.archiveDir, fmt.Sprintf("%d", slot), "scrollback")
		prev := scrollback + ".prev"
		if _, err := os.Stat(scrollback); err == nil {
			_ = os.Rename(scrollback, prev)
		}

		t := newTerminal(slot, name, r.backend, defaultCols, defaultRows, r.archivePathFor(slot), r.tmpArtifactDir(slot))
		t.state = StateAliveRunning
		r.slots[slot] = t
	}
	return r.flush()
}

// Open claims the first free slot and starts a session in it, returning
// NoCapacity if all MaxSlots are occupied (section 4.2 "slots").
func (r *Registry) Open(ctx context.Context, command []string, expect string) (*Terminal, error) {
	for slot := 0; slot < MaxSlots; slot++ {
		existing := r.slots[slot]
		if existing != nil && existing.currentState() == StateAliveRunning {
			continue
		}
		t := newTerminal(slot, r.sessionName(slot), r.backend, defaultCols, defaultRows, r.archivePathFor(slot), r.tmpArtifactDir(slot))
		if err := t.open(ctx, defaultCols, defaultRows, command, expect); err != nil {
			return nil, err
		}
		r.slots[slot] = t
		if err := r.flush(); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("registry: all %d terminal slots occupied: %w", MaxSlots, classify.ErrNoCapacity)
}

// FreeSlots returns the count of slots not currently occupied by a live
// terminal (section 4.2 "slots": capacity is the number of such slots, not
// a function of which slot was most recently claimed).
func (r *Registry) FreeSlots() int {
	free := 0
	for _, t := range r.slots {
		if t == nil || t.currentState() != StateAliveRunning {
			free++
		}
	}
	return free
}

// Get returns the terminal at slot, or nil if the slot is empty.
func (r *Registry) Get(slot int) *Terminal {
	if slot < 0 || slot >= MaxSlots {
		return nil
	}
	return r.slots[slot]
}

// Close tears down the session at slot, archiving its raw stream.
func (r *Registry) Close(ctx context.Context, slot int) error {
	t := r.Get(slot)
	if t == nil {
		return nil
	}
	err := t.close(ctx, r.archiveRaw)
	_ = r.flush()
	return err
}

// CaptureAll runs one capture pass over every alive terminal; the tick
// engine's capture loop calls this on a ~500ms cadence while a tick is
// active (section 4.2 "capture loop").
func (r *Registry) CaptureAll(ctx context.Context) error {
	for _, t := range r.slots {
		if t == nil || t.currentState() != StateAliveRunning {
			continue
		}
		if err := t.capture(ctx); err != nil {
			return err
		}
	}
	return r.flush()
}

func (r *Registry) archivePathFor(slot int) string {
	return filepath.Join(r.archiveDir, fmt.Sprintf("%d", slot), "scrollback")
}

// tmpArtifactDir is tmp/sessions/tty_N, wiped along with the rest of
// tmp/ at the end of every tick (section 6).
func (r *Registry) tmpArtifactDir(slot int) string {
	if r.sessionsDir == "" {
		return ""
	}
	return filepath.Join(r.sessionsDir, fmt.Sprintf("tty_%d", slot))
}

func (r *Registry) archiveRaw(slot int, raw []byte) (string, error) {
	path := r.archivePathFor(slot)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return "", err
	}
	return path, f.Sync()
}

// flush writes the registry's current slot bookkeeping to
// tmp/sessions/registry.json, the on-disk mirror used for crash recovery
// bookkeeping (section 4.2).
func (r *Registry) flush() error {
	if r.sessionsDir == "" {
		return nil
	}
	var entries []entry
	for slot, t := range r.slots {
		if t == nil {
			continue
		}
		entries = append(entries, entry{
			Slot:   slot,
			Name:   t.name,
			State:  t.currentState(),
			Expect: t.expect,
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.sessionsDir, 0o750); err != nil {
		return err
	}
	tmp := filepath.Join(r.sessionsDir, "registry.json.tmp")
	final := filepath.Join(r.sessionsDir, "registry.json")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Wait polls the terminal at slot until its output settles (no new bytes
// for 1.5s) or timeout elapses, returning the diff since the caller's
// last observation. A terminal that has exited during the wait is
// reported in the Diff and auto-closed.
func (r *Registry) Wait(ctx context.Context, slot int, timeout time.Duration) (Diff, error) {
	ctx, span := telemetry.StartSpan(ctx, "terminal.wait")
	defer span.End()

	t := r.Get(slot)
	if t == nil {
		return Diff{}, fmt.Errorf("registry: no terminal at slot %d", slot)
	}
	d, err := t.settle(ctx, timeout, t.capture)
	if err != nil {
		return Diff{}, err
	}
	if d.Exited {
		_ = r.Close(ctx, slot)
	}
	return d, nil
}

// Type sends keystrokes to the terminal at slot, enforcing
// observe-before-act and point-and-call (section 4.2 invariants).
// Observe-before-act is global, not per-terminal (section 8.1: "for all
// live terminals u, u.byte_cursor == u.capture_cursor"): a caller that
// hasn't consumed output sitting unread in any other terminal is just as
// blind as one that hasn't consumed the target terminal's own output, so
// every live slot is checked before the keystroke is dispatched.
func (r *Registry) Type(ctx context.Context, slot int, text string, enter bool, expect string) error {
	t := r.Get(slot)
	if t == nil {
		return fmt.Errorf("registry: no terminal at slot %d", slot)
	}
	ks, err := Resolve(text, enter)
	if err != nil {
		return err
	}
	for s, other := range r.slots {
		if other == nil {
			continue
		}
		if other.hasUnobservedOutput() {
			return fmt.Errorf("registry: terminal %d has unobserved output: %w", s, classify.ErrUnobservedOutput)
		}
	}
	if expect != "" {
		t.mu.Lock()
		t.expect = expect
		t.mu.Unlock()
	}
	return t.typeInto(ctx, ks)
}
