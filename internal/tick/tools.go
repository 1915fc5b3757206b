package tick

import (
	"context"
	"fmt"
	"strings"

	"github.com/tickbox/tickbox/internal/session"
	"github.com/tickbox/tickbox/internal/term"
)

// buildTools returns the five-tool surface of section 4.2/6, each backed
// by registry. The tick engine dispatches calls to these handlers itself
// (a closed tagged union, section 9) rather than relying on the provider
// to invoke them; RegisterTools only advertises their names/descriptions
// to the SDK.
func buildTools(registry *term.Registry) []session.ToolSpec {
	return []session.ToolSpec{
		{
			Name:        "login",
			Description: "Open startup terminals and adopt any sessions surviving from a prior tick.",
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				if err := registry.Login(ctx); err != nil {
					return "", err
				}
				return "login complete", nil
			},
		},
		{
			Name:        "open",
			Description: "Open a new terminal running the given command (default: an interactive shell).",
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				command := stringSliceArg(args, "command")
				expect := stringArg(args, "expect", "")
				t, err := registry.Open(ctx, command, expect)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("opened slot %d (capacity_remaining=%d)", t.Slot(), registry.FreeSlots()), nil
			},
		},
		{
			Name:        "type",
			Description: "Send keystrokes to a terminal. Requires expect and that all output has been observed first.",
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				slot, err := intArg(args, "slot")
				if err != nil {
					return "", err
				}
				text := stringArg(args, "text", "")
				enter := boolArg(args, "enter", true)
				expect := stringArg(args, "expect", "")
				if err := registry.Type(ctx, slot, text, enter, expect); err != nil {
					return "", err
				}
				return "sent", nil
			},
		},
		{
			Name:        "wait",
			Description: "Wait for a terminal's output to settle (or timeout), returning a diff of new output.",
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				slot, err := intArg(args, "slot")
				if err != nil {
					return "", err
				}
				timeout := durationArg(args, "timeout_seconds")
				d, err := registry.Wait(ctx, slot, timeout)
				if err != nil {
					return "", err
				}
				return formatDiff(d), nil
			},
		},
		{
			Name:        "close",
			Description: "Terminate a terminal session and archive its output.",
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				slot, err := intArg(args, "slot")
				if err != nil {
					return "", err
				}
				if err := registry.Close(ctx, slot); err != nil {
					return "", err
				}
				return "closed", nil
			},
		},
	}
}

func formatDiff(d term.Diff) string {
	var b strings.Builder
	b.WriteString(strings.Join(d.Lines, "\n"))
	if d.Elided {
		fmt.Fprintf(&b, "\n[elided, full output archived at %s]", d.Archive)
	}
	if d.Exited {
		fmt.Fprintf(&b, "\n[terminal exited, code=%d, auto-closed]", d.ExitCode)
	}
	return b.String()
}
