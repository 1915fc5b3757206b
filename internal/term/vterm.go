package term

import (
	"fmt"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// maxScrollbackLines bounds the ring buffer so a long-lived terminal
// session doesn't grow without bound; old lines are evicted and remain
// readable only in the archived raw stream.
const maxScrollbackLines = 20000

// vterm wraps charmbracelet/x/vt to turn a raw PTY-like byte stream into
// rendered screen content, tracking scrolled-off lines in a ring buffer so
// screen.ansi/screen can include recent scrollback without re-parsing the
// whole session history on every capture.
type vterm struct {
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

func newVTerm(cols, rows int) *vterm {
	v := &vterm{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	v.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if v.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if v.sbLen == len(v.scrollback) {
					v.scrollback[v.sbHead] = ""
				}
				v.scrollback[v.sbHead] = rendered
				v.sbHead = (v.sbHead + 1) % len(v.scrollback)
				if v.sbLen < len(v.scrollback) {
					v.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range v.scrollback {
				v.scrollback[i] = ""
			}
			v.sbLen = 0
			v.sbHead = 0
		},
		AltScreen: func(on bool) {
			v.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			v.cursorHidden = !visible
		},
	})
	return v
}

// write feeds new bytes from the terminal's raw stream to the emulator.
func (v *vterm) write(p []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emu.Write(p)
}

// screen renders the current visible pane as plain text, line by line,
// stripped of the escape codes screenANSI preserves.
func (v *vterm) screen() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	rendered := stripansi.Strip(v.emu.Render())
	return strings.Split(strings.TrimRight(rendered, "\n"), "\n")
}

// screenANSI renders the current visible pane preserving styling codes,
// the content of the on-disk screen.ansi artifact.
func (v *vterm) screenANSI() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return []byte(v.emu.Render())
}

// snapshot produces a full reconnect payload: scrollback, screen repaint,
// and cursor restore, matching the on-disk scrollback archive format.
func (v *vterm) snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	var buf strings.Builder
	lines := v.scrollbackLines()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for range v.rows - 1 {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(v.emu.Render())

	pos := v.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	if v.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

func (v *vterm) scrollbackLines() []string {
	if v.sbLen == 0 {
		return nil
	}
	lines := make([]string, v.sbLen)
	start := (v.sbHead - v.sbLen + len(v.scrollback)) % len(v.scrollback)
	for i := 0; i < v.sbLen; i++ {
		lines[i] = v.scrollback[(start+i)%len(v.scrollback)]
	}
	return lines
}

func (v *vterm) close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.emu.Close()
}
