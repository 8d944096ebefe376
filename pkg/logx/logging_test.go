package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"TRACE", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{" Info ", zerolog.InfoLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q (len %d)", got, len(got))
	}
	if got := truncate(long, 5); got != "xxxxx" {
		t.Errorf("truncate tiny = %q", got)
	}
}

func TestFormatRelayLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","message":"task handler failed","guild":"g1","time":"2026-01-01T00:00:00Z"}`)
	got := formatRelayLine(line)
	if !strings.HasPrefix(got, "[WARN] task handler failed") {
		t.Fatalf("formatted = %q", got)
	}
	if !strings.Contains(got, "guild=g1") {
		t.Fatalf("field missing: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("timestamp should not be repeated: %q", got)
	}

	// Non-JSON input falls back to the raw line.
	if got := formatRelayLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger reports non-zero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
	l.With(String("a", "b")).Error("ignored", Err(nil))

	n := Nop()
	if n.IsZero() {
		t.Fatalf("Nop logger reports zero")
	}
	n.Warn("ignored")
}
