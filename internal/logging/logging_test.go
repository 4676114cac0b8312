package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithWriters_FansOut(t *testing.T) {
	var console, file bytes.Buffer
	log := WithWriters(&console, &file, slog.LevelInfo)
	log.Info("job dispatched", "job_id", "A1")
	log.Debug("hidden")

	if !strings.Contains(console.String(), "job_id=A1") {
		t.Fatalf("console output missing attrs: %q", console.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &rec); err != nil {
		t.Fatalf("file output not json: %v (%q)", err, file.String())
	}
	if rec["job_id"] != "A1" || rec["msg"] != "job dispatched" {
		t.Fatalf("unexpected json record: %v", rec)
	}
	if strings.Contains(console.String(), "hidden") {
		t.Fatalf("debug record should be filtered")
	}
}

func TestSetup_WithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, cleanup := Setup(slog.LevelInfo, path)
	log.Info("hello")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
