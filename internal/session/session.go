// Package session defines the narrow boundary between the tick engine and
// whatever model-provider SDK is actually linked in. It deliberately models
// only what the tick engine needs: open a session against a transcript
// file, stream events out of it, inject text into it mid-session, and
// register the tool surface the terminal manager exposes.
package session

import "context"

// ToolSpec describes one callable the model session should expose, backed
// in practice by the terminal manager's open/type/wait/close operations.
type ToolSpec struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// EventKind discriminates the events a Session can emit.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventToolCall EventKind = "tool_call"
	EventDone     EventKind = "done"
)

// Event is one unit of output from a live session. ToolCall events carry
// the call the engine must dispatch to a registered ToolSpec and reply to
// via Session.Respond.
type Event struct {
	Kind       EventKind
	Text       string
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
}

// Config configures a new session.
type Config struct {
	Prompt         string
	AgentConfig    map[string]any
	TranscriptPath string
}

// Session is a live, single-tick conversation with the model provider.
type Session interface {
	// Receive blocks for the next event (message chunk, tool call, or
	// completion), returning a provider error unwrapped (the caller
	// classifies it via internal/classify).
	Receive(ctx context.Context) (Event, error)
	// Inject delivers out-of-band text into the live session (used by the
	// notification injector, section 4.5).
	Inject(ctx context.Context, text string) error
	// Respond delivers a dispatched tool call's result back to the model.
	Respond(ctx context.Context, toolCallID, output string, isError bool) error
	// RegisterTools makes the given tools callable by the model for the
	// remainder of the session.
	RegisterTools(tools ...ToolSpec) error
	// TranscriptPath is the append-only JSONL file internal/transcript
	// tails for usage accounting.
	TranscriptPath() string
	Close(ctx context.Context) error
}

// Provider opens new sessions against a model backend.
type Provider interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}
