package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

// Level maps log_level to a slog level, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	JobStore    JobStoreConfig   `yaml:"job_store"`
	Jobs        JobsConfig       `yaml:"jobs"`
	Media       MediaConfig      `yaml:"media"`
	Preprocess  PreprocessConfig `yaml:"preprocess"`
	Segment     SegmentConfig    `yaml:"segment"`
	STT         STTConfig        `yaml:"stt"`
	Output      OutputConfig     `yaml:"output"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// JobsConfig controls the daemon's job intake.
type JobsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	TimeoutMin    int    `yaml:"timeout_minutes"`
	InputRoot     string `yaml:"input_root"`
	OutputRoot    string `yaml:"output_root"`
}

// MediaConfig drives the ffmpeg extraction step.
type MediaConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	TempDir     string `yaml:"temp_dir"`
	KeepTemp    bool   `yaml:"keep_temp"`
}

type PreprocessConfig struct {
	Mono             bool    `yaml:"mono"`
	Normalize        bool    `yaml:"normalize"`
	HeadroomDB       float64 `yaml:"headroom_db"`
	Denoise          string  `yaml:"denoise"` // none, ffmpeg
	NoiseReductionDB float64 `yaml:"noise_reduction_db"`
	NoiseFloorDB     float64 `yaml:"noise_floor_db"`
}

// SegmentConfig holds split-on-silence parameters. SilenceThreshDB, when
// set, replaces the threshold derived from the clip loudness.
type SegmentConfig struct {
	MinSilenceMS      int      `yaml:"min_silence_ms"`
	SilenceThreshDB   *float64 `yaml:"silence_thresh_db"`
	ThresholdOffsetDB float64  `yaml:"threshold_offset_db"`
	KeepSilenceMS     int      `yaml:"keep_silence_ms"`
	SeekStepMS        int      `yaml:"seek_step_ms"`
	MinChunkMS        int      `yaml:"min_chunk_ms"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, openai, whisper
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Workers    int    `yaml:"workers"`
	Threads    int    `yaml:"threads"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

type OutputConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // txt, md, json; empty infers from extension
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-node-1",
			Role:              "transcriber",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		JobStore: JobStoreConfig{
			Path:          "./data/scribe-jobs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Jobs: JobsConfig{
			Enabled:       true,
			MaxConcurrent: 1,
			TimeoutMin:    120,
			InputRoot:     "./data/inputs",
			OutputRoot:    "./data/transcripts",
		},
		Media: MediaConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			SampleRate:  44100,
			Channels:    2,
		},
		Preprocess: PreprocessConfig{
			Mono:             true,
			Normalize:        true,
			HeadroomDB:       0.1,
			Denoise:          "ffmpeg",
			NoiseReductionDB: 12,
			NoiseFloorDB:     -25,
		},
		Segment: SegmentConfig{
			MinSilenceMS:      700,
			ThresholdOffsetDB: -14,
			KeepSilenceMS:     300,
			SeekStepMS:        1,
			MinChunkMS:        1000,
		},
		STT: STTConfig{
			Mode:       "whisper",
			ModelPath:  "./models/ggml-base.bin",
			Model:      "whisper-1",
			Workers:    0,
			TimeoutSec: 300,
		},
		Output: OutputConfig{
			Path: "extracted_text.txt",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "SCRIBE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "SCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "SCRIBE_JOB_STORE_PATH")
	overrideString(&cfg.JobStore.RetentionMode, "SCRIBE_JOB_STORE_RETENTION_MODE")
	overrideInt(&cfg.JobStore.RetentionDays, "SCRIBE_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "SCRIBE_JOB_STORE_MAX_JOBS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "SCRIBE_JOB_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Jobs.Enabled, "SCRIBE_JOBS_ENABLED")
	overrideInt(&cfg.Jobs.MaxConcurrent, "SCRIBE_JOBS_MAX_CONCURRENT")
	overrideInt(&cfg.Jobs.TimeoutMin, "SCRIBE_JOBS_TIMEOUT_MINUTES")
	overrideString(&cfg.Jobs.InputRoot, "SCRIBE_JOBS_INPUT_ROOT")
	overrideString(&cfg.Jobs.OutputRoot, "SCRIBE_JOBS_OUTPUT_ROOT")
	overrideString(&cfg.Media.FFmpegPath, "SCRIBE_MEDIA_FFMPEG_PATH")
	overrideString(&cfg.Media.FFprobePath, "SCRIBE_MEDIA_FFPROBE_PATH")
	overrideInt(&cfg.Media.SampleRate, "SCRIBE_MEDIA_SAMPLE_RATE")
	overrideInt(&cfg.Media.Channels, "SCRIBE_MEDIA_CHANNELS")
	overrideString(&cfg.Media.TempDir, "SCRIBE_MEDIA_TEMP_DIR")
	overrideBool(&cfg.Media.KeepTemp, "SCRIBE_MEDIA_KEEP_TEMP")
	overrideBool(&cfg.Preprocess.Mono, "SCRIBE_PREPROCESS_MONO")
	overrideBool(&cfg.Preprocess.Normalize, "SCRIBE_PREPROCESS_NORMALIZE")
	overrideFloat(&cfg.Preprocess.HeadroomDB, "SCRIBE_PREPROCESS_HEADROOM_DB")
	overrideString(&cfg.Preprocess.Denoise, "SCRIBE_PREPROCESS_DENOISE")
	overrideFloat(&cfg.Preprocess.NoiseReductionDB, "SCRIBE_PREPROCESS_NOISE_REDUCTION_DB")
	overrideFloat(&cfg.Preprocess.NoiseFloorDB, "SCRIBE_PREPROCESS_NOISE_FLOOR_DB")
	overrideInt(&cfg.Segment.MinSilenceMS, "SCRIBE_SEGMENT_MIN_SILENCE_MS")
	overrideFloatPtr(&cfg.Segment.SilenceThreshDB, "SCRIBE_SEGMENT_SILENCE_THRESH_DB")
	overrideFloat(&cfg.Segment.ThresholdOffsetDB, "SCRIBE_SEGMENT_THRESHOLD_OFFSET_DB")
	overrideInt(&cfg.Segment.KeepSilenceMS, "SCRIBE_SEGMENT_KEEP_SILENCE_MS")
	overrideInt(&cfg.Segment.SeekStepMS, "SCRIBE_SEGMENT_SEEK_STEP_MS")
	overrideInt(&cfg.Segment.MinChunkMS, "SCRIBE_SEGMENT_MIN_CHUNK_MS")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "SCRIBE_STT_MODEL")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideString(&cfg.STT.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.STT.APIKey, "SCRIBE_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "SCRIBE_STT_BASE_URL")
	overrideInt(&cfg.STT.Workers, "SCRIBE_STT_WORKERS")
	overrideInt(&cfg.STT.Threads, "SCRIBE_STT_THREADS")
	overrideInt(&cfg.STT.TimeoutSec, "SCRIBE_STT_TIMEOUT_SECONDS")
	overrideString(&cfg.Output.Path, "SCRIBE_OUTPUT_PATH")
	overrideString(&cfg.Output.Format, "SCRIBE_OUTPUT_FORMAT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideFloatPtr(target **float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = &parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.JobStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("job_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.JobStore.RetentionMode != "ephemeral" && cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.Jobs.Enabled {
		if cfg.Jobs.MaxConcurrent <= 0 {
			return errors.New("jobs.max_concurrent must be >= 1")
		}
		if cfg.Jobs.InputRoot == "" || cfg.Jobs.OutputRoot == "" {
			return errors.New("jobs.input_root and jobs.output_root must be set when jobs are enabled")
		}
	}
	if cfg.Media.FFmpegPath == "" {
		return errors.New("media.ffmpeg_path must not be empty")
	}
	if cfg.Media.SampleRate <= 0 {
		return errors.New("media.sample_rate must be positive")
	}
	if cfg.Media.Channels <= 0 {
		return errors.New("media.channels must be positive")
	}
	switch cfg.Preprocess.Denoise {
	case "none", "ffmpeg":
	default:
		return errors.New("preprocess.denoise must be one of none|ffmpeg")
	}
	if cfg.Preprocess.HeadroomDB < 0 {
		return errors.New("preprocess.headroom_db must be >= 0")
	}
	if cfg.Segment.MinSilenceMS <= 0 {
		return errors.New("segment.min_silence_ms must be positive")
	}
	if cfg.Segment.KeepSilenceMS < 0 {
		return errors.New("segment.keep_silence_ms must be >= 0")
	}
	if cfg.Segment.SeekStepMS <= 0 {
		return errors.New("segment.seek_step_ms must be positive")
	}
	if cfg.Segment.MinChunkMS < 0 {
		return errors.New("segment.min_chunk_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.APIKey == "" && cfg.STT.BaseURL == "" {
			return errors.New("stt.api_key (or OPENAI_API_KEY) or stt.base_url must be set when mode=openai")
		}
	case "whisper":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=whisper")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|openai|whisper")
	}
	if cfg.STT.Workers < 0 {
		return errors.New("stt.workers must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Output.Format)) {
	case "", "txt", "md", "json":
	default:
		return errors.New("output.format must be one of txt|md|json")
	}
	return nil
}
