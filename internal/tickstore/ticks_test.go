package tickstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBeginThenEndRoundTripsARecord(t *testing.T) {
	s := openTestStore(t)
	started := time.Now().UTC().Truncate(time.Second)

	if err := s.Begin(1, "manual kick", "sess-1", started); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || rec.Status != "running" || rec.Reason != "manual kick" {
		t.Fatalf("unexpected record after Begin: %+v", rec)
	}

	ended := started.Add(90 * time.Second)
	if err := s.End(1, "normal", "", ended); err != nil {
		t.Fatalf("End: %v", err)
	}
	rec, err = s.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != "normal" || rec.EndedAt == nil || !rec.EndedAt.Equal(ended) {
		t.Fatalf("unexpected record after End: %+v", rec)
	}
}

func TestGetReturnsNilForUnknownTick(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Get(999)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("want nil for unknown tick, got %+v", rec)
	}
}

func TestListReturnsNewestFirstAndRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	for i := 1; i <= 3; i++ {
		if err := s.Begin(i, "r", "s", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
	}

	all, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].TickID != 3 || all[2].TickID != 1 {
		t.Fatalf("want newest-first order, got %+v", all)
	}

	limited, err := s.List(2)
	if err != nil {
		t.Fatalf("List(2): %v", err)
	}
	if len(limited) != 2 || limited[0].TickID != 3 {
		t.Fatalf("want 2 newest ticks, got %+v", limited)
	}
}

func TestBeginIsIdempotentOnRetry(t *testing.T) {
	s := openTestStore(t)
	started := time.Now().UTC().Truncate(time.Second)
	if err := s.Begin(1, "first reason", "sess-a", started); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// A crash-restart replaying the same tick number should overwrite, not
	// duplicate, the row.
	if err := s.Begin(1, "retried reason", "sess-b", started.Add(time.Second)); err != nil {
		t.Fatalf("Begin (retry): %v", err)
	}

	all, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].Reason != "retried reason" || all[0].SessionID != "sess-b" {
		t.Fatalf("want a single, overwritten record, got %+v", all)
	}
}
