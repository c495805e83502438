package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Segment.MinSilenceMS != 700 || cfg.Segment.KeepSilenceMS != 300 {
		t.Fatalf("unexpected segment defaults: %+v", cfg.Segment)
	}
	if cfg.Segment.ThresholdOffsetDB != -14 {
		t.Fatalf("expected -14 dB offset, got %v", cfg.Segment.ThresholdOffsetDB)
	}
	if cfg.Segment.SilenceThreshDB != nil {
		t.Fatalf("expected derived threshold by default")
	}
	if cfg.Output.Path != "extracted_text.txt" {
		t.Fatalf("unexpected output path %q", cfg.Output.Path)
	}
	if cfg.STT.Mode != "whisper" || cfg.STT.ModelPath == "" {
		t.Fatalf("expected a real recognizer by default, got %+v", cfg.STT)
	}
	if cfg.HTTP.Bind != "127.0.0.1" {
		t.Fatalf("expected loopback bind, got %q", cfg.HTTP.Bind)
	}
	if cfg.Jobs.InputRoot == "" || cfg.Jobs.OutputRoot == "" {
		t.Fatalf("expected job roots, got %+v", cfg.Jobs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_NODE_ID", "test-node")
	t.Setenv("SCRIBE_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_JOB_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_JOB_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_JOB_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_JOB_STORE_MAX_JOBS", "123")
	t.Setenv("SCRIBE_SEGMENT_SILENCE_THRESH_DB", "-42.5")
	t.Setenv("SCRIBE_SEGMENT_MIN_SILENCE_MS", "500")
	t.Setenv("SCRIBE_STT_WORKERS", "3")
	t.Setenv("SCRIBE_PREPROCESS_DENOISE", "none")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.JobStore.Path != "./tmp.db" || cfg.JobStore.RetentionMode != "persistent" {
		t.Fatalf("expected job store overrides")
	}
	if cfg.JobStore.RetentionDays != 7 || cfg.JobStore.MaxJobs != 123 {
		t.Fatalf("expected job store retention overrides")
	}
	if cfg.Segment.SilenceThreshDB == nil || *cfg.Segment.SilenceThreshDB != -42.5 {
		t.Fatalf("expected explicit silence threshold, got %v", cfg.Segment.SilenceThreshDB)
	}
	if cfg.Segment.MinSilenceMS != 500 {
		t.Fatalf("expected min silence override")
	}
	if cfg.STT.Workers != 3 {
		t.Fatalf("expected workers override")
	}
	if cfg.Preprocess.Denoise != "none" {
		t.Fatalf("expected denoise override")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`stt:
  mode: exec
  command: "python3 helper.py --fast"
segment:
  keep_silence_ms: 150
output:
  path: out.md
  format: md
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command == "" {
		t.Fatalf("expected exec stt, got %+v", cfg.STT)
	}
	if cfg.Segment.KeepSilenceMS != 150 {
		t.Fatalf("expected keep silence 150, got %d", cfg.Segment.KeepSilenceMS)
	}
	if cfg.Segment.MinSilenceMS != 700 {
		t.Fatalf("expected untouched default, got %d", cfg.Segment.MinSilenceMS)
	}
	if cfg.Output.Format != "md" {
		t.Fatalf("expected md format")
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := map[string]func(*Config){
		"stt mode":      func(c *Config) { c.STT.Mode = "cloud" },
		"exec command":  func(c *Config) { c.STT.Mode = "exec" },
		"openai key":    func(c *Config) { c.STT.Mode = "openai"; c.STT.APIKey = "" },
		"whisper model": func(c *Config) { c.STT.Mode = "whisper"; c.STT.ModelPath = "" },
		"job roots":     func(c *Config) { c.Jobs.OutputRoot = "" },
		"denoise":       func(c *Config) { c.Preprocess.Denoise = "rnnoise" },
		"seek step":     func(c *Config) { c.Segment.SeekStepMS = 0 },
		"format":        func(c *Config) { c.Output.Format = "pdf" },
		"retention":     func(c *Config) { c.JobStore.RetentionMode = "forever" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsEquivalentSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"openai base url": func(c *Config) { c.STT.Mode = "openai"; c.STT.APIKey = ""; c.STT.BaseURL = "http://localhost:9000/v1" },
		"upper format":    func(c *Config) { c.Output.Format = "TXT" },
		"jobs disabled":   func(c *Config) { c.Jobs.Enabled = false; c.Jobs.InputRoot = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).Level(); got != want {
			t.Fatalf("level %q: got %v want %v", in, got, want)
		}
	}
}
