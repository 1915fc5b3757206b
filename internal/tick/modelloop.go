package tick

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tickbox/tickbox/internal/classify"
	"github.com/tickbox/tickbox/internal/hooks"
	"github.com/tickbox/tickbox/internal/reposite"
	"github.com/tickbox/tickbox/internal/session"
	"github.com/tickbox/tickbox/internal/term"
	"github.com/tickbox/tickbox/internal/transcript"
)

// modelLoop drives the receive-messages loop (section 4.3 step 3),
// dispatching tool calls to the registered handlers, monitoring context
// usage, and checking the end-of-tick gate (step 4) whenever the model
// yields a turn with no further tool calls.
func (e *Engine) modelLoop(
	ctx context.Context,
	sess session.Session,
	registry *term.Registry,
	toolsByName map[string]session.ToolSpec,
	reader *transcript.Reader,
	tickNum int,
	hookPrefix string,
	hookRunner *hooks.Runner,
) (Result, string) {
	attempts := 0
	wrapUpSent := false
	loginCalled := false
	var lastMessage string

	for {
		if ctx.Err() != nil {
			return Result{Status: StatusAbnormal, Reason: "tick cancelled"}, lastMessage
		}

		ev, err := sess.Receive(ctx)
		if err != nil {
			kind := classify.Classify(err)
			switch {
			case classify.Retryable(kind):
				attempts++
				if attempts > classify.MaxAttempts() {
					return Result{Status: StatusAbnormal, Reason: "transient error retry cap exceeded"}, lastMessage
				}
				select {
				case <-ctx.Done():
					return Result{Status: StatusAbnormal, Reason: "tick cancelled"}, lastMessage
				case <-time.After(nextBackoff(attempts)):
				}
				continue
			case kind == classify.ContextOverflow:
				return Result{Status: StatusAbnormal, Reason: "context window exceeded"}, lastMessage
			case kind == classify.FatalProviderError:
				_ = e.Repo.Pause()
				_ = e.Repo.WriteCrashNotify(reposite.CrashNotify{
					Tick:    tickNum,
					Reason:  "fatal_provider_error",
					Kind:    string(kind),
					Message: err.Error(),
					Time:    time.Now(),
				})
				return Result{Status: StatusAbnormal, Reason: fmt.Sprintf("fatal provider error: %v", err)}, lastMessage
			default:
				return Result{Status: StatusAbnormal, Reason: err.Error()}, lastMessage
			}
		}
		attempts = 0

		switch ev.Kind {
		case session.EventToolCall:
			if ev.ToolName == "login" {
				loginCalled = loginCalled || e.dispatchAndRespond(ctx, sess, toolsByName, ev) == nil
			} else {
				_ = e.dispatchAndRespond(ctx, sess, toolsByName, ev)
			}

		case session.EventMessage:
			lastMessage = ev.Text
			if reader == nil {
				continue
			}
			usage, _ := reader.Poll()
			threshold := transcript.Threshold(e.ContextWindow)
			if !wrapUpSent && usage.Total() >= threshold {
				_ = sess.Inject(ctx, wrapUpAdvisory)
				wrapUpSent = true
			}

		case session.EventDone:
			lastMessage = ev.Text
			issues := e.endOfTickGate(ctx, registry, loginCalled, hookPrefix, tickNum, lastMessage, hookRunner)
			if len(issues) > 0 {
				_ = sess.Inject(ctx, "Tick cannot end yet:\n- "+strings.Join(issues, "\n- "))
				continue
			}
			return Result{Status: StatusNormal}, lastMessage
		}
	}
}

// dispatchAndRespond runs the tool call's handler under a 300s watchdog
// (section 4.3 step 3) and reports the outcome back to the session.
// Tool-facing errors (UnobservedOutput, UnexpectedProgram, NoCapacity)
// are returned to the model as structured results, never as tick
// failures (section 7 "Propagation policy").
func (e *Engine) dispatchAndRespond(ctx context.Context, sess session.Session, toolsByName map[string]session.ToolSpec, ev session.Event) error {
	tool, ok := toolsByName[ev.ToolName]
	if !ok {
		_ = sess.Respond(ctx, ev.ToolCallID, fmt.Sprintf("unknown tool %q", ev.ToolName), true)
		return fmt.Errorf("unknown tool %q", ev.ToolName)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	output, err := tool.Handler(callCtx, ev.ToolArgs)
	if callCtx.Err() == context.DeadlineExceeded {
		_ = sess.Respond(ctx, ev.ToolCallID, "tool call timed out", true)
		return classify.ErrToolTimeout
	}
	if err != nil {
		_ = sess.Respond(ctx, ev.ToolCallID, err.Error(), true)
		return err
	}
	return sess.Respond(ctx, ev.ToolCallID, output, false)
}

// endOfTickGate checks the three preconditions of section 4.3 step 4.
func (e *Engine) endOfTickGate(ctx context.Context, registry *term.Registry, loginCalled bool, hookPrefix string, tickNum int, lastMessage string, hookRunner *hooks.Runner) []string {
	var issues []string
	if !loginCalled {
		issues = append(issues, "login has not been called yet this tick")
	}
	if slot := firstLiveTerminal(registry); slot >= 0 {
		issues = append(issues, fmt.Sprintf("terminal %d is still alive; close it before ending the tick", slot))
	}

	env := hooks.EnvForPreStop(hookPrefix, tickNum, lastMessage, "")
	results, _ := runHooks(ctx, hookRunner, hooks.PreStop, e.Repo.HooksDir("pre-stop"), env)
	issues = append(issues, hooks.BlockingIssues(results)...)
	return issues
}

func firstLiveTerminal(registry *term.Registry) int {
	for slot := 0; slot < term.MaxSlots; slot++ {
		t := registry.Get(slot)
		if t != nil && t.State() == term.StateAliveRunning {
			return slot
		}
	}
	return -1
}

