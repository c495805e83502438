//go:build whispercpp

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// whisperRecognizer runs a local whisper.cpp model. The model is loaded
// once; every call gets its own context.
type whisperRecognizer struct {
	model    whisper.Model
	language string
	threads  int
}

func NewWhisperRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("stt mode whisper requires model_path")
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", cfg.ModelPath, err)
	}
	return &whisperRecognizer{model: model, language: cfg.Language, threads: cfg.Threads}, nil
}

func (r *whisperRecognizer) Close() error {
	return r.model.Close()
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error) {
	clip, err := audio.ReadWAV(audioPath)
	if err != nil {
		return TranscriptResult{}, err
	}
	clip = clip.Mono().Resample(whisper.SampleRate)
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper context: %w", err)
	}
	if r.language != "" {
		if err := wctx.SetLanguage(r.language); err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper language: %w", err)
		}
	}
	if r.threads > 0 {
		wctx.SetThreads(uint(r.threads))
	}

	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(clip.Float32(), keepGoing, nil, nil); err != nil {
		return TranscriptResult{}, fmt.Errorf("whisper process: %w", err)
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("whisper segment: %w", err)
		}
		segments = append(segments, strings.TrimSpace(seg.Text))
	}
	return TranscriptResult{
		Text:     strings.TrimSpace(strings.Join(segments, " ")),
		Language: wctx.Language(),
	}, nil
}
