package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// ErrWhisperUnavailable is returned when the binary was built without
// whisper.cpp support.
var ErrWhisperUnavailable = errors.New("whisper.cpp support is not compiled in (build with -tags whispercpp)")

// TranscriptResult captures recognizer output for one audio file.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// Recognizer abstracts STT backends. Implementations must be safe for
// concurrent use.
type Recognizer interface {
	Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error)
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Mode {
	case "mock":
		logger.Warn("mock recognizer selected, transcripts will contain placeholder text")
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg)
	case "whisper":
		logger.Info("loading whisper model", slog.String("model_path", cfg.ModelPath))
		return NewWhisperRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// Close releases recognizer resources when the backend holds any.
func Close(r Recognizer) error {
	if c, ok := r.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
