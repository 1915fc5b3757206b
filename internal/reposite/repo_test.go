package reposite

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBeginTickMonotonic(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	n1, err := r.BeginTick(time.Unix(100, 0))
	if err != nil {
		t.Fatalf("BeginTick: %v", err)
	}
	if n1 != 1 {
		t.Fatalf("want tick 1, got %d", n1)
	}

	n2, err := r.BeginTick(time.Unix(200, 0))
	if err != nil {
		t.Fatalf("BeginTick: %v", err)
	}
	if n2 != 2 {
		t.Fatalf("want tick 2, got %d", n2)
	}

	st, err := r.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.TickCounter != 2 {
		t.Fatalf("want counter 2, got %d", st.TickCounter)
	}
}

func TestLoadStateMissingIsZero(t *testing.T) {
	r := New(t.TempDir())
	st, err := r.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.TickCounter != 0 {
		t.Fatalf("want zero state, got %+v", st)
	}
}

func TestPauseUnpause(t *testing.T) {
	r := New(t.TempDir())
	if r.IsPaused() {
		t.Fatal("fresh repo should not be paused")
	}
	if err := r.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !r.IsPaused() {
		t.Fatal("expected paused after Pause")
	}
	if err := r.Unpause(); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if r.IsPaused() {
		t.Fatal("expected not paused after Unpause")
	}
}

func TestReadTriggerConsumesOnce(t *testing.T) {
	r := New(t.TempDir())
	if err := os.MkdirAll(filepath.Dir(r.TriggerPath()), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(r.TriggerPath(), []byte("manual"), 0o640); err != nil {
		t.Fatal(err)
	}

	reason, ok, err := r.ReadTrigger()
	if err != nil {
		t.Fatalf("ReadTrigger: %v", err)
	}
	if !ok || reason != "manual" {
		t.Fatalf("want ok=true reason=manual, got ok=%v reason=%q", ok, reason)
	}

	_, ok, err = r.ReadTrigger()
	if err != nil {
		t.Fatalf("ReadTrigger second call: %v", err)
	}
	if ok {
		t.Fatal("trigger should be consumed after first read")
	}
}

func TestPopDueEntryPicksEarliest(t *testing.T) {
	r := New(t.TempDir())
	entries := []ScheduleEntry{
		{ID: "b", DueAt: 200, Reason: "later"},
		{ID: "a", DueAt: 100, Reason: "earlier"},
		{ID: "c", DueAt: 9999, Reason: "future"},
	}
	if err := r.SaveSchedule(entries); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	entry, ok, err := r.PopDueEntry(500)
	if err != nil {
		t.Fatalf("PopDueEntry: %v", err)
	}
	if !ok || entry.ID != "a" {
		t.Fatalf("want earliest entry a, got %+v (ok=%v)", entry, ok)
	}

	remaining, err := r.LoadSchedule()
	if err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("want 2 remaining entries, got %d", len(remaining))
	}

	_, ok, err = r.PopDueEntry(50)
	if err != nil {
		t.Fatalf("PopDueEntry not-due: %v", err)
	}
	if ok {
		t.Fatal("nothing should be due at t=50")
	}
}

func TestWriteCrashNotify(t *testing.T) {
	r := New(t.TempDir())
	cn := CrashNotify{
		Tick:    5,
		Reason:  "fatal_provider_error",
		Kind:    "FatalProviderError",
		Message: "model refused to continue",
		Time:    time.Unix(1000, 0).UTC(),
	}
	if err := r.WriteCrashNotify(cn); err != nil {
		t.Fatalf("WriteCrashNotify: %v", err)
	}
	data, err := os.ReadFile(r.CrashNotifyPath())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("crash_notify.txt should not be empty")
	}
}

func TestWipeTmp(t *testing.T) {
	r := New(t.TempDir())
	leftover := filepath.Join(r.TmpDir(), "sessions", "registry.json")
	if err := os.MkdirAll(filepath.Dir(leftover), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(leftover, []byte("{}"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := r.WipeTmp(); err != nil {
		t.Fatalf("WipeTmp: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatalf("expected leftover gone, stat err=%v", err)
	}
	if _, err := os.Stat(r.TmpDir()); err != nil {
		t.Fatalf("expected tmp dir recreated: %v", err)
	}
}
