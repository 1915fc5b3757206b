// Package fakesession implements internal/session.Provider entirely
// in-memory, backing tick-engine and watcher tests without a real
// model-provider SDK.
package fakesession

import (
	"context"
	"errors"
	"sync"

	"github.com/tickbox/tickbox/internal/session"
)

// Provider is a session.Provider that hands out *Sessions from a
// preconfigured queue, one per Open call, so a test can script exactly
// what each tick's session does.
type Provider struct {
	mu      sync.Mutex
	queue   []*Session
	opened  []session.Config
}

// NewProvider returns a Provider that will hand out sessions in order.
func NewProvider(sessions ...*Session) *Provider {
	return &Provider{queue: sessions}
}

func (p *Provider) Open(ctx context.Context, cfg session.Config) (session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, cfg)
	if len(p.queue) == 0 {
		return nil, errors.New("fakesession: no more sessions queued")
	}
	s := p.queue[0]
	p.queue = p.queue[1:]
	return s, nil
}

// Opened returns the configs every Open call received, for assertions.
func (p *Provider) Opened() []session.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]session.Config(nil), p.opened...)
}

// Session is a scripted session.Session: Receive replays a fixed event
// queue, Inject and Close just record their calls.
type Session struct {
	mu sync.Mutex

	events         []session.Event
	recvErr        error
	transcriptPath string

	injected  []string
	responses []Response
	closed    bool
	tools     []session.ToolSpec
}

// Response records one Respond call, for assertions.
type Response struct {
	ToolCallID string
	Output     string
	IsError    bool
}

// NewSession returns a Session that will replay events in order, then
// return recvErr (io.EOF-like terminal error) once exhausted.
func NewSession(transcriptPath string, events []session.Event, recvErr error) *Session {
	return &Session{events: events, recvErr: recvErr, transcriptPath: transcriptPath}
}

func (s *Session) Receive(ctx context.Context) (session.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return session.Event{}, s.recvErr
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *Session) Inject(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("fakesession: session already closed")
	}
	s.injected = append(s.injected, text)
	return nil
}

func (s *Session) Respond(ctx context.Context, toolCallID, output string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, Response{ToolCallID: toolCallID, Output: output, IsError: isError})
	return nil
}

// Responses returns every Respond call recorded so far.
func (s *Session) Responses() []Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Response(nil), s.responses...)
}

func (s *Session) RegisterTools(tools ...session.ToolSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, tools...)
	return nil
}

func (s *Session) TranscriptPath() string { return s.transcriptPath }

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Injected returns the text passed to every Inject call so far.
func (s *Session) Injected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.injected...)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Tools returns every tool registered on this session so far.
func (s *Session) Tools() []session.ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.ToolSpec(nil), s.tools...)
}
