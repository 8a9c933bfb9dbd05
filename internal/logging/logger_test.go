package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer, level string) *Logger {
	l := New(&Config{Level: level, JSONFormat: true})
	return FromZerolog(l.Zerolog().Output(buf))
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, "INFO").WithComponent("scheduler")

	l.Info("Session executed", "user_id", "u1", "executed", 3, "err", errors.New("none"))

	entry := decodeLine(t, &buf)
	if entry["message"] != "Session executed" {
		t.Errorf("Expected message 'Session executed', got %v", entry["message"])
	}
	if entry["component"] != "scheduler" {
		t.Errorf("Expected component scheduler, got %v", entry["component"])
	}
	if entry["user_id"] != "u1" {
		t.Errorf("Expected user_id u1, got %v", entry["user_id"])
	}
	if entry["executed"] != float64(3) {
		t.Errorf("Expected executed 3, got %v", entry["executed"])
	}
	if entry["err"] != "none" {
		t.Errorf("Expected err none, got %v", entry["err"])
	}
}

func TestPrintfArgs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, "INFO")

	l.Info("Loaded %d sessions", 4)

	entry := decodeLine(t, &buf)
	if entry["message"] != "Loaded 4 sessions" {
		t.Errorf("Expected formatted message, got %v", entry["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, "WARN")

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected INFO to be filtered at WARN level, got %q", buf.String())
	}

	l.Warn("shown")
	if buf.Len() == 0 {
		t.Error("Expected WARN to be written")
	}
}

func TestTraceContext(t *testing.T) {
	ctx, l := WithTraceContext(context.Background())
	if l == nil {
		t.Fatal("Expected logger")
	}
	if TraceIDFromContext(ctx) == "" {
		t.Error("Expected trace id in context")
	}
	if FromContext(ctx) != l {
		t.Error("Expected FromContext to return the trace logger")
	}
	if TraceIDFromContext(context.Background()) != "" {
		t.Error("Expected empty trace id for bare context")
	}
}
