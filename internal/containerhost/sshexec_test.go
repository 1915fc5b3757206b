package containerhost

import "testing"

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("shellQuote: got %q want %q", got, want)
	}
}

func TestBuildRemoteCommandIncludesEnvAssignments(t *testing.T) {
	cmd := buildRemoteCommand([]string{"echo", "hi"}, map[string]string{"DATA_DIR": "/data"})
	want := "DATA_DIR='/data' echo hi"
	if cmd != want {
		t.Fatalf("buildRemoteCommand: got %q want %q", cmd, want)
	}
}

func TestBuildRemoteCommandNoEnv(t *testing.T) {
	cmd := buildRemoteCommand([]string{"true"}, nil)
	if cmd != "'true'" {
		t.Fatalf("buildRemoteCommand: got %q", cmd)
	}
}
