package jobs

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func jobsConfig(t *testing.T, maxConcurrent int) config.JobsConfig {
	t.Helper()
	return config.JobsConfig{
		Enabled:       true,
		MaxConcurrent: maxConcurrent,
		InputRoot:     t.TempDir(),
		OutputRoot:    t.TempDir(),
	}
}

func absPath(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	if err != nil {
		t.Fatal(err)
	}
	return abs
}
