package term

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/tickbox/tickbox/internal/hooks"
)

// Backend is the multiplexer primitive set a Terminal needs, implemented
// by shelling tmux commands through the container manager's Exec (section
// 4.2: terminals live inside the instance container, not on the host).
type Backend interface {
	NewSession(ctx context.Context, name string, cols, rows int, command []string) error
	SendKeys(ctx context.Context, name string, keys []byte) error
	CapturePane(ctx context.Context, name string) ([]byte, error)
	KillSession(ctx context.Context, name string) error
	HasSession(ctx context.Context, name string) (bool, error)
	ForegroundProcess(ctx context.Context, name string) (string, error)
}

// tmuxBackend drives a container's tmux server, one session per terminal
// slot, over the Execer the container manager exposes.
type tmuxBackend struct {
	exec hooks.Execer
}

// NewTmuxBackend returns a Backend that runs tmux inside the container
// reachable via exec (typically a *containerhost.Manager).
func NewTmuxBackend(exec hooks.Execer) Backend {
	return &tmuxBackend{exec: exec}
}

func (b *tmuxBackend) run(ctx context.Context, argv ...string) (hooks.ExecResult, error) {
	return b.exec.Exec(ctx, argv, nil)
}

func (b *tmuxBackend) NewSession(ctx context.Context, name string, cols, rows int, command []string) error {
	argv := []string{
		"tmux", "new-session", "-d", "-s", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows),
	}
	argv = append(argv, command...)
	res, err := b.run(ctx, argv...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tmux new-session %s: exit %d: %s", name, res.ExitCode, res.Stderr)
	}
	return nil
}

// SendKeys sends raw bytes verbatim via tmux's hex literal form (-H),
// which is the only send-keys mode that round-trips arbitrary control
// bytes without tmux's own keyword parsing reinterpreting them.
func (b *tmuxBackend) SendKeys(ctx context.Context, name string, keys []byte) error {
	if len(keys) == 0 {
		return nil
	}
	argv := []string{"tmux", "send-keys", "-t", name, "-H"}
	for _, byt := range keys {
		argv = append(argv, hex.EncodeToString([]byte{byt}))
	}
	res, err := b.run(ctx, argv...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tmux send-keys %s: exit %d: %s", name, res.ExitCode, res.Stderr)
	}
	return nil
}

// CapturePane returns the full visible pane plus scrollback history with
// escape sequences preserved, for replay through the vterm emulator.
func (b *tmuxBackend) CapturePane(ctx context.Context, name string) ([]byte, error) {
	res, err := b.run(ctx, "tmux", "capture-pane", "-t", name, "-p", "-e", "-S", "-")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("tmux capture-pane %s: exit %d: %s", name, res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}

func (b *tmuxBackend) KillSession(ctx context.Context, name string) error {
	_, err := b.run(ctx, "tmux", "kill-session", "-t", name)
	return err
}

func (b *tmuxBackend) HasSession(ctx context.Context, name string) (bool, error) {
	res, err := b.run(ctx, "tmux", "has-session", "-t", name)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// ForegroundProcess returns the command name currently running in the
// session's active pane, used by the point-and-call invariant.
func (b *tmuxBackend) ForegroundProcess(ctx context.Context, name string) (string, error) {
	res, err := b.run(ctx, "tmux", "display-message", "-p", "-t", name, "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("tmux display-message %s: exit %d: %s", name, res.ExitCode, res.Stderr)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}
