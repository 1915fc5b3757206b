package reposite

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Repo roots every data-repo path described in spec section 6 under Dir.
type Repo struct {
	Dir string
	fs  FileOps
}

// New returns a Repo rooted at dir using the real filesystem.
func New(dir string) *Repo {
	return &Repo{Dir: dir, fs: NewDefaultFileOps()}
}

// NewWithFS is used by tests to inject a fake FileOps.
func NewWithFS(dir string, fs FileOps) *Repo {
	return &Repo{Dir: dir, fs: fs}
}

func (r *Repo) path(elem ...string) string {
	return filepath.Join(append([]string{r.Dir}, elem...)...)
}

// StatePath is system/state.json.
func (r *Repo) StatePath() string { return r.path("system", "state.json") }

// PausedPath is system/paused.
func (r *Repo) PausedPath() string { return r.path("system", "paused") }

// CrashNotifyPath is system/crash_notify.txt.
func (r *Repo) CrashNotifyPath() string { return r.path("system", "crash_notify.txt") }

// TriggerPath is system/tick_trigger.
func (r *Repo) TriggerPath() string { return r.path("system", "tick_trigger") }

// SchedulePath is system/schedule.json.
func (r *Repo) SchedulePath() string { return r.path("system", "schedule.json") }

// AgentConfigPath is system/agent_config.json.
func (r *Repo) AgentConfigPath() string { return r.path("system", "agent_config.json") }

// PromptPath is system/prompt.md.
func (r *Repo) PromptPath() string { return r.path("system", "prompt.md") }

// AgentsPath is system/agents.json.
func (r *Repo) AgentsPath() string { return r.path("system", "agents.json") }

// StartupPath is system/startup.json.
func (r *Repo) StartupPath() string { return r.path("system", "startup.json") }

// HooksDir is system/hooks/<point>.
func (r *Repo) HooksDir(point string) string { return r.path("system", "hooks", point) }

// ContainerBuildDir is system/container.
func (r *Repo) ContainerBuildDir() string { return r.path("system", "container") }

// LogsDir is system/logs.
func (r *Repo) LogsDir() string { return r.path("system", "logs") }

// SessionArchiveDir is system/logs/sessions.
func (r *Repo) SessionArchiveDir() string { return r.path("system", "logs", "sessions") }

// TickLogPath is system/logs/tick-NNN.jsonl.
func (r *Repo) TickLogPath(tick int) string {
	return r.path("system", "logs", fmt.Sprintf("tick-%03d.jsonl", tick))
}

// TmpDir is tmp/.
func (r *Repo) TmpDir() string { return r.path("tmp") }

// SessionsTmpDir is tmp/sessions.
func (r *Repo) SessionsTmpDir() string { return r.path("tmp", "sessions") }

// RegistryPath is tmp/sessions/registry.json.
func (r *Repo) RegistryPath() string { return r.path("tmp", "sessions", "registry.json") }

// NotificationsDir is system/notifications.
func (r *Repo) NotificationsDir() string { return r.path("system", "notifications") }

// State is the persisted instance state document from section 3.
type State struct {
	TickCounter     int       `json:"tick_counter"`
	LastTickStarted time.Time `json:"last_tick_started,omitzero"`
	LastTickEnded   time.Time `json:"last_tick_ended,omitzero"`
}

// LoadState reads state.json, returning the zero State if it doesn't exist
// yet (a fresh instance has never ticked).
func (r *Repo) LoadState() (State, error) {
	data, err := r.fs.ReadFile(r.StatePath())
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// DataRepoMalformed: never fatal, fall back to a fresh state.
		return State{}, nil
	}
	return st, nil
}

// SaveState persists state via atomic rename (section 3 invariant: the
// tick counter never regresses and is durable before pre-tick hooks run).
func (r *Repo) SaveState(st State) error {
	if err := r.fs.MkdirAll(filepath.Dir(r.StatePath()), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return r.SafeWriteFile(r.StatePath(), data)
}

// BeginTick increments the tick counter and persists it, returning the new
// tick number. Must be called before pre-tick hooks run (section 3, 4.3).
func (r *Repo) BeginTick(now time.Time) (int, error) {
	st, err := r.LoadState()
	if err != nil {
		return 0, err
	}
	st.TickCounter++
	st.LastTickStarted = now
	if err := r.SaveState(st); err != nil {
		return 0, err
	}
	return st.TickCounter, nil
}

// EndTick records the end timestamp for the current tick counter value.
func (r *Repo) EndTick(now time.Time) error {
	st, err := r.LoadState()
	if err != nil {
		return err
	}
	st.LastTickEnded = now
	return r.SaveState(st)
}

// IsPaused reports whether the paused sentinel (section 3) exists.
func (r *Repo) IsPaused() bool {
	_, err := r.fs.Stat(r.PausedPath())
	return err == nil
}

// Pause creates the paused sentinel. Written only by the fatal-error path
// per section 3.
func (r *Repo) Pause() error {
	if err := r.fs.MkdirAll(filepath.Dir(r.PausedPath()), 0o750); err != nil {
		return err
	}
	return r.fs.WriteFile(r.PausedPath(), nil, 0o640)
}

// Unpause removes the paused sentinel.
func (r *Repo) Unpause() error {
	err := r.fs.Remove(r.PausedPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CrashNotify is the structured payload written to crash_notify.txt, the
// "Supplemented feature" from SPEC_FULL.md section 3.
type CrashNotify struct {
	Tick    int       `json:"tick"`
	Reason  string    `json:"reason"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// WriteCrashNotify overwrites crash_notify.txt with the given payload.
func (r *Repo) WriteCrashNotify(cn CrashNotify) error {
	data, err := json.MarshalIndent(cn, "", "  ")
	if err != nil {
		return err
	}
	if err := r.fs.MkdirAll(filepath.Dir(r.CrashNotifyPath()), 0o750); err != nil {
		return err
	}
	return r.SafeWriteFile(r.CrashNotifyPath(), data)
}

// ReadTrigger reads and deletes the tick_trigger file if present, returning
// its content as the tick reason. ok is false if no trigger was pending.
// Per section 3: "if present at the moment the watcher samples, the
// watcher must either consume it into a started tick or leave it in
// place — never silently discard." Discard only happens here, atomically,
// immediately before the caller commits to starting a tick.
func (r *Repo) ReadTrigger() (reason string, ok bool, err error) {
	data, err := r.fs.ReadFile(r.TriggerPath())
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := r.fs.Remove(r.TriggerPath()); err != nil && !os.IsNotExist(err) {
		return "", false, err
	}
	return string(data), true, nil
}

// ScheduleEntry is one entry in schedule.json (section 3).
type ScheduleEntry struct {
	ID     string `json:"id"`
	DueAt  int64  `json:"due_at"`
	Reason string `json:"reason"`
}

// LoadSchedule reads schedule.json, treating a missing or malformed file
// as an empty schedule (DataRepoMalformed, never fatal).
func (r *Repo) LoadSchedule() ([]ScheduleEntry, error) {
	var entries []ScheduleEntry
	err := ReadFileWithRetry(r.fs, r.SchedulePath(), 3, func(data []byte) error {
		return json.Unmarshal(data, &entries)
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, nil
	}
	return entries, nil
}

// SaveSchedule rewrites schedule.json atomically.
func (r *Repo) SaveSchedule(entries []ScheduleEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := r.fs.MkdirAll(filepath.Dir(r.SchedulePath()), 0o750); err != nil {
		return err
	}
	return r.SafeWriteFile(r.SchedulePath(), data)
}

// PopDueEntry removes and returns the earliest due_at <= now entry from
// schedule.json, consuming it exactly once (section 3). ok is false when
// nothing is due yet.
func (r *Repo) PopDueEntry(now int64) (entry ScheduleEntry, ok bool, err error) {
	entries, err := r.LoadSchedule()
	if err != nil {
		return ScheduleEntry{}, false, err
	}
	best := -1
	for i, e := range entries {
		if e.DueAt > now {
			continue
		}
		if best == -1 || e.DueAt < entries[best].DueAt {
			best = i
		}
	}
	if best == -1 {
		return ScheduleEntry{}, false, nil
	}
	entry = entries[best]
	entries = append(entries[:best], entries[best+1:]...)
	if err := r.SaveSchedule(entries); err != nil {
		return ScheduleEntry{}, false, err
	}
	return entry, true, nil
}

// WipeTmp removes and recreates tmp/, run during tick closing (section 4.3
// step 5) so terminal artifacts never leak into the next tick.
func (r *Repo) WipeTmp() error {
	if err := r.fs.RemoveAll(r.TmpDir()); err != nil {
		return err
	}
	return r.fs.MkdirAll(r.TmpDir(), 0o750)
}
