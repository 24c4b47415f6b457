package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in directory", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		logger.Info("hello")
		if _, err := os.Stat(filepath.Join(dir, LogFileName)); err != nil {
			t.Errorf("log file was not created: %v", err)
		}
	})

	t.Run("stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if logger.closer != nil {
			t.Error("expected no closer when writing to stderr")
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close() = %v, want nil", err)
		}
	})

	t.Run("rotation enabled", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := New(Options{Dir: dir, Level: LevelInfo, Rotation: RotationConfig{MaxSizeMB: 1, MaxBackups: 2}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer logger.Close()
		if _, ok := logger.closer.(*RotatingWriter); !ok {
			t.Errorf("closer = %T, want *RotatingWriter", logger.closer)
		}
	})
}

func TestLogger_LevelsAndContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	child := logger.WithSession("s1").WithJob("j1").WithComponent("dispatch")
	child.Debug("hidden")
	child.Info("routed", "event", "jobprogress")
	logger.WithThread("t1").Warn("poll failed")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	first := lines[0]
	for key, want := range map[string]string{
		"msg":        "routed",
		"session_id": "s1",
		"job_id":     "j1",
		"component":  "dispatch",
		"event":      "jobprogress",
	} {
		if first[key] != want {
			t.Errorf("%s = %v, want %q", key, first[key], want)
		}
	}
	if lines[1]["thread_id"] != "t1" {
		t.Errorf("thread_id = %v, want t1", lines[1]["thread_id"])
	}
	if _, ok := lines[1]["job_id"]; ok {
		t.Error("sibling logger should not inherit job_id")
	}
}

func TestLogger_SetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)
	child := logger.WithComponent("push")

	child.Info("dropped")
	logger.SetLevel(LevelDebug)
	child.Debug("kept")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Fatalf("lines = %v, want only 'kept'", lines)
	}
	if child.Level() != LevelDebug {
		t.Errorf("Level() = %q, want DEBUG", child.Level())
	}
}

func TestLogger_WithIgnoresNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelDebug)
	logger.With(42, "x", "k", "v").Info("msg")

	lines := decodeLines(t, buf.Bytes())
	if lines[0]["k"] != "v" {
		t.Errorf("k = %v, want v", lines[0]["k"])
	}
	if logger.With() != logger {
		t.Error("With() with no args should return the receiver")
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Error("nothing")
	if err := l.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	if len(ValidLevels()) != 4 {
		t.Errorf("ValidLevels() = %v", ValidLevels())
	}
}
