package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferLogger(level Level, format Format) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{Level: level, Format: format, Output: &buf}), &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText {
		t.Error("expected text format")
	}
	if ParseFormat("yaml") != FormatJSON {
		t.Error("unknown formats should fall back to JSON")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LevelWarn, FormatJSON)

	l.Debug("debug")
	l.Info("info")
	if buf.Len() != 0 {
		t.Fatalf("expected debug/info to be filtered, got %q", buf.String())
	}

	l.Warn("warn")
	if entry := decodeEntry(t, buf); entry.Level != "warn" {
		t.Errorf("level = %q, want warn", entry.Level)
	}
}

func TestLoggerFieldsAndComponent(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)

	child := l.Named("router").Named("link").With(map[string]any{"worker": "w1"})
	child.Infof("link up", map[string]any{"port": 3002})

	entry := decodeEntry(t, buf)
	if entry.Component != "router.link" {
		t.Errorf("component = %q, want router.link", entry.Component)
	}
	if entry.Fields["worker"] != "w1" {
		t.Errorf("fields[worker] = %v, want w1", entry.Fields["worker"])
	}
	if entry.Fields["port"] != float64(3002) {
		t.Errorf("fields[port] = %v, want 3002", entry.Fields["port"])
	}
}

func TestLoggerWithDoesNotMutateParent(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)
	_ = l.With(map[string]any{"room": "abc"})

	l.Info("parent")
	if entry := decodeEntry(t, buf); len(entry.Fields) != 0 {
		t.Errorf("parent picked up child fields: %v", entry.Fields)
	}
}

func TestDerivedLoggersShareLevel(t *testing.T) {
	l, buf := newBufferLogger(LevelError, FormatJSON)
	child := l.Named("worker")

	l.SetLevel(LevelInfo)
	child.Info("visible")
	if buf.Len() == 0 {
		t.Error("child should observe the parent's level change")
	}
}

func TestLoggerTextFormat(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatText)

	l.Named("worker").WithSessionID("s-1").Infof("room loaded", map[string]any{
		"room":  "abc",
		"epoch": 7,
	})

	line := buf.String()
	for _, want := range []string{"[info]", "worker: room loaded", "session=s-1", "epoch=7 room=abc"} {
		if !strings.Contains(line, want) {
			t.Errorf("text output %q missing %q", line, want)
		}
	}
}

func TestFromCtx(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)

	ctx := WithLoggerCtx(context.Background(), l)
	ctx = WithSessionIDCtx(ctx, "client-42")
	FromCtx(ctx).Info("hello")

	if entry := decodeEntry(t, buf); entry.SessionID != "client-42" {
		t.Errorf("sessionId = %q, want client-42", entry.SessionID)
	}
}

func TestFromCtxFallsBackToGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	l, _ := newBufferLogger(LevelInfo, FormatJSON)
	SetGlobal(l)

	if got := FromCtx(context.Background()); got != l {
		t.Error("expected the global logger when ctx carries none")
	}
}

func TestConfigure(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	l := Configure("debug", "text")
	if l.GetLevel() != LevelDebug {
		t.Errorf("level = %v, want debug", l.GetLevel())
	}
	if Global() != l {
		t.Error("Configure should install the global logger")
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	if l.GetLevel() <= LevelError {
		t.Error("nop logger should filter every level")
	}
}
