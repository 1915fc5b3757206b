package term

import (
	"strings"
	"testing"
)

func TestVTermScreenRendersPlainText(t *testing.T) {
	v := newVTerm(20, 5)
	v.write([]byte("hello world"))

	lines := v.screen()
	if len(lines) == 0 || !strings.Contains(lines[0], "hello world") {
		t.Fatalf("expected first line to contain written text, got %v", lines)
	}
}

func TestVTermScreenStripsEscapesScreenANSIKeepsThem(t *testing.T) {
	v := newVTerm(20, 5)
	v.write([]byte("\x1b[31mred\x1b[0m"))

	lines := v.screen()
	for _, line := range lines {
		if strings.Contains(line, "\x1b[") {
			t.Fatalf("screen() should strip escape codes, got %q", line)
		}
	}

	ansi := v.screenANSI()
	if !strings.Contains(string(ansi), "\x1b[") {
		t.Fatalf("screenANSI() should preserve escape codes, got %q", ansi)
	}
}

func TestVTermScreenANSIKeepsText(t *testing.T) {
	v := newVTerm(20, 5)
	v.write([]byte("\x1b[31mred\x1b[0m"))

	out := v.screenANSI()
	if !strings.Contains(string(out), "red") {
		t.Fatalf("expected rendered ANSI output to contain text, got %q", out)
	}
}

func TestVTermScrollbackAccumulatesScrolledLines(t *testing.T) {
	v := newVTerm(20, 3)
	for i := 0; i < 10; i++ {
		v.write([]byte("line\r\n"))
	}

	lines := v.scrollbackLines()
	if len(lines) == 0 {
		t.Fatal("expected scrollback to accumulate lines scrolled off a 3-row screen")
	}
}

func TestVTermSnapshotIncludesCursorRestore(t *testing.T) {
	v := newVTerm(20, 5)
	v.write([]byte("hi"))

	snap := v.snapshot()
	if !strings.Contains(string(snap), "\x1b[") {
		t.Fatalf("expected snapshot to contain escape sequences for reset/cursor restore, got %q", snap)
	}
}

func TestVTermCloseSucceeds(t *testing.T) {
	v := newVTerm(20, 5)
	if err := v.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
