package logging

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleLog = `{"time":"2026-03-01T10:00:02Z","level":"INFO","msg":"placeholder promoted","job_id":"j1","component":"engine","path_id":"p1"}
{"time":"2026-03-01T10:00:00Z","level":"DEBUG","msg":"stale delta dropped","thread_id":"t1","component":"delta"}
not json
{"time":"2026-03-01T10:00:05Z","level":"WARN","msg":"poll failed","thread_id":"t1","component":"converge"}
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LogFileName), []byte(sampleLog), 0644); err != nil {
		t.Fatal(err)
	}
	backup := `{"time":"2026-03-01T09:59:00Z","level":"ERROR","msg":"dial failed","component":"push"}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, LogFileName+".1"), []byte(backup), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestReadLogs(t *testing.T) {
	entries, err := ReadLogs(writeSample(t))
	if err != nil {
		t.Fatalf("ReadLogs failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	if entries[0].Message != "dial failed" {
		t.Errorf("first entry = %q, want backup entry sorted first", entries[0].Message)
	}
	promoted := entries[2]
	if promoted.JobID != "j1" || promoted.Component != "engine" {
		t.Errorf("context fields not parsed: %+v", promoted)
	}
	if promoted.Attrs["path_id"] != "p1" {
		t.Errorf("Attrs[path_id] = %v, want p1", promoted.Attrs["path_id"])
	}
}

func TestReadLogs_Missing(t *testing.T) {
	if _, err := ReadLogs(t.TempDir()); err == nil {
		t.Error("expected error for missing log file")
	}
}

func TestFilterLogs(t *testing.T) {
	entries, err := ReadLogs(writeSample(t))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   int
	}{
		{"empty filter", LogFilter{}, 4},
		{"level warn", LogFilter{Level: "warn"}, 2},
		{"thread", LogFilter{ThreadID: "t1"}, 2},
		{"component", LogFilter{Component: "engine"}, 1},
		{"job", LogFilter{JobID: "j1"}, 1},
		{"since", LogFilter{Since: time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)}, 2},
		{"until", LogFilter{Until: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}, 2},
		{"contains", LogFilter{MessageContains: "delta"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilterLogs(entries, tt.filter); len(got) != tt.want {
				t.Errorf("FilterLogs() returned %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestWriteEntries(t *testing.T) {
	entries, err := ReadLogs(writeSample(t))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteEntries(&buf, entries, "text"); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "engine - placeholder promoted (job=j1)") {
			t.Errorf("text output missing formatted entry:\n%s", buf.String())
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteEntries(&buf, entries, "csv"); err != nil {
			t.Fatal(err)
		}
		records, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 5 {
			t.Errorf("got %d CSV records, want 5", len(records))
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if err := WriteEntries(&bytes.Buffer{}, entries, "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}
