package tick

import (
	"testing"
	"time"
)

func TestIntArgAcceptsJSONNumberTypes(t *testing.T) {
	for _, v := range []any{3, int64(3), float64(3)} {
		got, err := intArg(map[string]any{"slot": v}, "slot")
		if err != nil || got != 3 {
			t.Fatalf("intArg(%T %v) = %d, %v", v, v, got, err)
		}
	}
}

func TestIntArgMissingIsError(t *testing.T) {
	if _, err := intArg(map[string]any{}, "slot"); err == nil {
		t.Fatal("want error for missing required arg")
	}
}

func TestBoolArgDefaultsWhenAbsent(t *testing.T) {
	if !boolArg(map[string]any{}, "enter", true) {
		t.Fatal("want default true when key absent")
	}
	if boolArg(map[string]any{"enter": false}, "enter", true) {
		t.Fatal("want explicit false honored")
	}
}

func TestDurationArgConvertsSecondsToDuration(t *testing.T) {
	got := durationArg(map[string]any{"timeout_seconds": float64(2.5)}, "timeout_seconds")
	if got != 2500*time.Millisecond {
		t.Fatalf("want 2.5s, got %v", got)
	}
}

func TestStringSliceArgHandlesJSONArray(t *testing.T) {
	got := stringSliceArg(map[string]any{"command": []any{"bash", "-lc", "echo hi"}}, "command")
	if len(got) != 3 || got[2] != "echo hi" {
		t.Fatalf("want 3-element command, got %v", got)
	}
}
