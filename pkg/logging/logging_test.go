package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "info", NoColor: true})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("step finished", "step_id", "u", "error", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	for _, want := range []string{"step finished", "step_id=u", "boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("plan started", "plan_id", "p1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %v: %s", err, buf.String())
	}
	if rec["msg"] != "plan started" || rec["plan_id"] != "p1" {
		t.Errorf("record = %v", rec)
	}
}

func TestNew_BadFormat(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
