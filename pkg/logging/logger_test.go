package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewScriptLoggerWritesPlainText(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	var buf bytes.Buffer
	l := NewScriptLogger(&buf)
	l.Info("Posted successfully: https://x.com/a/status/1")
	out := buf.String()
	if !strings.Contains(out, "Posted successfully: https://x.com/a/status/1") {
		t.Fatalf("expected marker line in output, got %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected text output, got json: %q", out)
	}
}

func TestNewScriptLoggerHonoursJSONFormat(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	var buf bytes.Buffer
	l := NewScriptLogger(&buf)
	l.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}
