package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func captureJSON(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	SetFormat("json")
	t.Cleanup(func() {
		SetFormat("text")
		SetLevel(LevelInfo)
		SetOutput(nil)
	})
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v\nOutput: %s", err, buf.String())
	}
	return entry
}

func TestJSONFormat(t *testing.T) {
	buf := captureJSON(t, LevelInfo)

	Info("synced %d companies", 12)

	entry := decodeLine(t, buf)
	if _, ok := entry["ts"]; !ok {
		t.Error("missing 'ts' field in JSON log")
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["msg"] != "synced 12 companies" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestJSONLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(string, ...interface{})
		level   string
	}{
		{"debug", Debug, "debug"},
		{"info", Info, "info"},
		{"warn", Warn, "warn"},
		{"error", Error, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureJSON(t, LevelDebug)
			tt.logFunc("x")
			if got := decodeLine(t, buf)["level"]; got != tt.level {
				t.Errorf("level = %v, want %s", got, tt.level)
			}
		})
	}
}

func TestEntryFields(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := captureJSON(t, LevelInfo)
		With("run_id", "ab12cd34").With("entity", "task").Warn("record failed: %v", errors.New("bad date"))

		entry := decodeLine(t, buf)
		if entry["run_id"] != "ab12cd34" || entry["entity"] != "task" {
			t.Errorf("fields missing: %v", entry)
		}
		if entry["msg"] != "record failed: bad date" {
			t.Errorf("msg = %v", entry["msg"])
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		SetOutput(&buf)
		defer SetOutput(nil)

		With("entity", "project").Info("done")
		out := buf.String()
		if !strings.Contains(out, "[INFO] done entity=project") {
			t.Errorf("unexpected text output: %q", out)
		}
	})
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	defer func() {
		SetLevel(LevelInfo)
		SetOutput(nil)
	}()

	Info("hidden")
	Debug("hidden")
	Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("filtered message leaked: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown") {
		t.Errorf("expected warn line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
