package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerEmitsServiceAndRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "ride-dispatch", "warn")
	l.Info("hidden")
	l.Warn("shown", "ride_id", "r1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "shown" || line["service"] != "ride-dispatch" || line["ride_id"] != "r1" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, " WARNING ": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := LevelFromString(in); got != want {
			t.Errorf("%q: got %v want %v", in, got, want)
		}
	}
}
