// Package tick is the tick engine (spec C7): the single-tick state
// machine that acquires a container, opens a model session, drives its
// tool calls through the terminal manager, enforces the end-of-tick
// gate, and archives everything on the way out.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tickbox/tickbox/internal/classify"
	"github.com/tickbox/tickbox/internal/containerhost"
	"github.com/tickbox/tickbox/internal/hooks"
	"github.com/tickbox/tickbox/internal/notify"
	"github.com/tickbox/tickbox/internal/reposite"
	"github.com/tickbox/tickbox/internal/session"
	"github.com/tickbox/tickbox/internal/telemetry"
	"github.com/tickbox/tickbox/internal/term"
	"github.com/tickbox/tickbox/internal/tickstore"
	"github.com/tickbox/tickbox/internal/transcript"
)

// ErrPaused is returned by Run when the paused sentinel is present; the
// caller (the watcher, or the CLI's tick subcommand) must not start a
// tick and should exit 5 (section 6).
var ErrPaused = errors.New("tick: instance is paused")

const (
	toolCallTimeout  = 300 * time.Second
	captureInterval  = 500 * time.Millisecond
	wrapUpAdvisory   = "You are approaching the context window limit for this tick. Wrap up your current work and bring the tick to a clean stop."
)

// Status is the final disposition of a tick (section 4.3 step 5).
type Status string

const (
	StatusNormal   Status = "normal"
	StatusAbnormal Status = "abnormal"
)

// Result is what Run returns once a tick reaches done.
type Result struct {
	TickNumber int
	Status     Status
	Reason     string
	SessionID  string
}

// Engine owns the container manager, hook runner, and notification
// injector for the duration of one tick (section 3 "Ownership").
type Engine struct {
	Repo          *reposite.Repo
	Containers    *containerhost.Manager
	Sessions      session.Provider
	ContextWindow int
	InstanceName  string
	DataDirGuest  string
	// History, when set, records every tick's lifecycle (section 2.11);
	// nil disables history recording without otherwise affecting a tick.
	History *tickstore.Store
}

// Run executes exactly one tick with the given trigger reason.
func (e *Engine) Run(ctx context.Context, reason string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "tick.run")
	defer span.End()

	if e.Repo.IsPaused() {
		return Result{}, ErrPaused
	}

	now := time.Now()
	tickNum, err := e.Repo.BeginTick(now)
	if err != nil {
		return Result{}, fmt.Errorf("tick: beginning tick: %w", err)
	}
	sessionID := uuid.NewString()

	slog.InfoContext(ctx, "tick.Run", "tick", tickNum, "reason", reason, "session_id", sessionID)
	if e.History != nil {
		if err := e.History.Begin(tickNum, reason, sessionID, now); err != nil {
			slog.WarnContext(ctx, "tick.Run", "history_begin_error", err)
		}
	}

	ensureCtx, ensureSpan := telemetry.StartSpan(ctx, "container.ensure_ready")
	handle, err := e.Containers.EnsureReady(ensureCtx)
	ensureSpan.End()
	if err != nil {
		return e.finish(ctx, tickNum, StatusAbnormal, fmt.Sprintf("container unavailable: %v", err), sessionID)
	}
	_ = handle

	hookRunner := hooks.NewRunner(e.Containers, e.Containers, e.DataDirGuest)
	agentCfg := loadAgentConfig(e.Repo.AgentConfigPath())
	prefix := agentCfg.HookEnvPrefix

	preTickResults, _ := runHooks(ctx, hookRunner, hooks.PreTick, e.Repo.HooksDir("pre-tick"), hooks.EnvForPreTick(prefix, tickNum))
	logHookResults(ctx, "pre-tick", preTickResults)

	registry := term.NewRegistry(term.Config{
		Backend:      term.NewTmuxBackend(e.Containers),
		SessionsDir:  e.Repo.SessionsTmpDir(),
		ArchiveDir:   e.Repo.SessionArchiveDir(),
		InstanceName: e.InstanceName,
	})

	prompt := loadPrompt(e.Repo.PromptPath())
	sess, err := e.Sessions.Open(ctx, session.Config{
		Prompt:         prompt,
		AgentConfig:    map[string]any{"model": agentCfg.Model, "thinking_tokens": agentCfg.ThinkingTokens, "initial_query": agentCfg.InitialQuery},
		TranscriptPath: "",
	})
	if err != nil {
		return e.finish(ctx, tickNum, StatusAbnormal, fmt.Sprintf("session open failed: %v", err), sessionID)
	}
	defer sess.Close(ctx)

	tools := buildTools(registry)
	if err := sess.RegisterTools(tools...); err != nil {
		return e.finish(ctx, tickNum, StatusAbnormal, fmt.Sprintf("tool registration failed: %v", err), sessionID)
	}
	toolsByName := make(map[string]session.ToolSpec, len(tools))
	for _, t := range tools {
		toolsByName[t.Name] = t
	}

	reader := transcript.NewReader(sess.TranscriptPath())

	tickCtx, cancelTick := context.WithCancel(ctx)
	defer cancelTick()

	g, gctx := errgroup.WithContext(tickCtx)
	g.Go(func() error { return e.captureLoop(gctx, registry) })
	g.Go(func() error { return notify.New(e.Repo.NotificationsDir()).Run(gctx, sess) })

	var loopResult Result
	var lastMessage string
	g.Go(func() error {
		defer cancelTick()
		loopResult, lastMessage = e.modelLoop(gctx, sess, registry, toolsByName, reader, tickNum, prefix, hookRunner)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.WarnContext(ctx, "tick.Run", "group_error", err)
	}

	loopResult.TickNumber = tickNum
	loopResult.SessionID = sessionID
	return e.finish(ctx, tickNum, loopResult.Status, loopResult.Reason, sessionID, finishOpts{
		lastMessage: lastMessage,
		tickLog:     e.Repo.TickLogPath(tickNum),
		prefix:      prefix,
		started:     now,
		transcript:  sess.TranscriptPath(),
		hookRunner:  hookRunner,
	})
}

type finishOpts struct {
	lastMessage string
	tickLog     string
	prefix      string
	started     time.Time
	transcript  string
	hookRunner  *hooks.Runner
}

// finish runs the closing sequence (section 4.3 step 5): archive the
// transcript, wipe tmp/, run post-tick hooks, record the end timestamp.
func (e *Engine) finish(ctx context.Context, tickNum int, status Status, reason, sessionID string, opts ...finishOpts) (Result, error) {
	var o finishOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.tickLog == "" {
		o.tickLog = e.Repo.TickLogPath(tickNum)
	}
	if o.prefix == "" {
		o.prefix = loadAgentConfig(e.Repo.AgentConfigPath()).HookEnvPrefix
	}

	if o.transcript != "" {
		if err := os.MkdirAll(filepath.Dir(o.tickLog), 0o750); err != nil {
			slog.WarnContext(ctx, "tick.finish", "mkdir_logs_error", err)
		}
		if err := transcript.CopyTo(o.transcript, o.tickLog); err != nil {
			slog.WarnContext(ctx, "tick.finish", "transcript_copy_error", err)
		}
	}
	if err := e.Repo.WipeTmp(); err != nil {
		slog.WarnContext(ctx, "tick.finish", "wipe_tmp_error", err)
	}

	if o.hookRunner != nil {
		duration := time.Since(o.started)
		env := hooks.EnvForPostTick(o.prefix, tickNum, duration, o.tickLog, o.lastMessage, sessionID, string(status))
		results, _ := runHooks(ctx, o.hookRunner, hooks.PostTick, e.Repo.HooksDir("post-tick"), env)
		logHookResults(ctx, "post-tick", results)
	}

	endedAt := time.Now()
	if err := e.Repo.EndTick(endedAt); err != nil {
		slog.WarnContext(ctx, "tick.finish", "end_tick_error", err)
	}
	if e.History != nil {
		errorKind := ""
		if status == StatusAbnormal {
			errorKind = reason
		}
		if err := e.History.End(tickNum, string(status), errorKind, endedAt); err != nil {
			slog.WarnContext(ctx, "tick.finish", "history_end_error", err)
		}
	}

	result := Result{TickNumber: tickNum, Status: status, Reason: reason, SessionID: sessionID}
	if status == StatusAbnormal {
		slog.WarnContext(ctx, "tick.finish", "tick", tickNum, "status", status, "reason", reason)
	} else {
		slog.InfoContext(ctx, "tick.finish", "tick", tickNum, "status", status)
	}
	return result, nil
}

func (e *Engine) captureLoop(ctx context.Context, registry *term.Registry) error {
	ticker := time.NewTicker(captureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := registry.CaptureAll(ctx); err != nil {
				slog.WarnContext(ctx, "tick.captureLoop", "capture_error", err)
			}
		}
	}
}

// runHooks wraps a hook point's run in a "hook.run" span.
func runHooks(ctx context.Context, runner *hooks.Runner, point hooks.Point, dir string, env map[string]string) ([]hooks.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "hook.run")
	defer span.End()
	return runner.Run(ctx, point, dir, env)
}

func logHookResults(ctx context.Context, point string, results []hooks.Result) {
	for _, r := range results {
		if r.TimedOut {
			slog.WarnContext(ctx, "tick.hooks", "point", point, "hook", r.Name, "timed_out", true)
		} else if r.ExitCode != 0 {
			slog.WarnContext(ctx, "tick.hooks", "point", point, "hook", r.Name, "exit_code", r.ExitCode)
		}
	}
}

// backoffRand is process-local; the spec only requires jittered backoff,
// not a specific RNG source.
var backoffRand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))

func nextBackoff(attempt int) time.Duration {
	return classify.Backoff(attempt, backoffRand)
}
