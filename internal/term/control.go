package term

import (
	"fmt"
	"regexp"
)

// Keystrokes is the resolved byte sequence to send to a terminal for one
// `type` call, and whether it represents literal text with Enter appended
// (for point-and-call bookkeeping: only literal submissions count as a
// command against the shell's last-command record).
type Keystrokes struct {
	Bytes       []byte
	IsLiteral   bool
	EnterSent   bool
}

var ctrlKeyPattern = regexp.MustCompile(`^C-([a-zA-Z])$`)

// namedKeys maps the small fixed set of named control tokens (section
// "Control-key grammar") to their byte sequences.
var namedKeys = map[string][]byte{
	"Tab":       {'\t'},
	"Enter":     {'\r'},
	"Escape":    {0x1b},
	"Up":        []byte{0x1b, '[', 'A'},
	"Down":      []byte{0x1b, '[', 'B'},
	"Right":     []byte{0x1b, '[', 'C'},
	"Left":      []byte{0x1b, '[', 'D'},
	"Backspace": {0x7f},
}

// Resolve applies the control-key grammar to one `type` call: exactly one
// of (a) a control-key token, (b) literal text with Enter appended, or
// (c) literal text with Enter suppressed (enter=false) applies.
func Resolve(text string, enter bool) (Keystrokes, error) {
	if m := ctrlKeyPattern.FindStringSubmatch(text); m != nil {
		letter := m[1][0] | 0x20 // lowercase
		code := letter - 'a' + 1 // Ctrl-A == 0x01, ...
		return Keystrokes{Bytes: []byte{code}, IsLiteral: false}, nil
	}
	if b, ok := namedKeys[text]; ok {
		return Keystrokes{Bytes: b, IsLiteral: false}, nil
	}
	if len(text) > 2 && text[0] == 'C' && text[1] == '-' {
		return Keystrokes{}, fmt.Errorf("unrecognized control-key token %q", text)
	}

	bytes := []byte(text)
	if enter {
		bytes = append(bytes, '\r')
	}
	return Keystrokes{Bytes: bytes, IsLiteral: true, EnterSent: enter}, nil
}
