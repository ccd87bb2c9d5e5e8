package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flarelocate/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "traditional").With("stage", "align")
	logger.WithGroup("frame").Info("saved", "index", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] saved [stage=align frame.index=3]") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", out)
	}
}

func TestEventStatusLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn", "traditional")

	LogEventStatus(logger, "align", "event_0001", "ok", nil)
	if buf.Len() != 0 {
		t.Fatalf("ok status should log at info, got %q", buf.String())
	}
	LogEventStatus(logger, "align", "event_0002", "skipped", nil)
	LogEventStatus(logger, "align", "event_0003", "load_failed", nil)
	out := buf.String()
	if strings.Count(out, "[WARN]") != 2 {
		t.Fatalf("expected two warnings, got %q", out)
	}
}

func TestJobHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "json")

	LogJobStart(logger, "diff", "job-1", "event_0001", map[string]any{"source": "cli"})
	LogJobComplete(logger, "diff", "job-1", 1500*time.Millisecond, map[string]any{"frames": 19})
	LogJobError(logger, "diff", "job-2", time.Second, errors.New("no frames"), nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 records, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], `"duration_ms":1500`) {
		t.Fatalf("missing duration in %q", lines[1])
	}
	if !strings.Contains(lines[2], `"error":"no frames"`) || !strings.Contains(lines[2], `"level":"ERROR"`) {
		t.Fatalf("unexpected error record %q", lines[2])
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	logger, closer, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	logger.Info("hello from test")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "flarelocate-current.log"))
	if err != nil {
		t.Fatalf("current log symlink: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("log file missing record: %q", data)
	}
}
