package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Demuxer", "dropped %d", 1)
	l.Warn("Demuxer", "resync after %d bytes", 42)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line written at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Demuxer] resync after 42 bytes") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestScopedUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(New(DEBUG, &buf, false))
	defer SetDefault(nil)

	For("Stream").With("abc").Debug("state %s", "Streaming")

	if !strings.Contains(buf.String(), "[DEBUG] [Stream/abc] state Streaming") {
		t.Errorf("unexpected output %q", buf.String())
	}
	if !Enabled(DEBUG) {
		t.Error("Enabled(DEBUG) = false with DEBUG logger")
	}
}

func TestSilentLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, true)
	l.Error("Encoder", "boom")
	if buf.Len() != 0 {
		t.Errorf("silent logger wrote %q", buf.String())
	}
}
