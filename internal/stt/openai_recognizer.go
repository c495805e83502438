package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// openaiRecognizer sends each file to an OpenAI-compatible
// /audio/transcriptions endpoint.
type openaiRecognizer struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("stt mode openai requires an api key")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &openaiRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
	}, nil
}

func (r *openaiRecognizer) Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error) {
	req := openai.AudioRequest{
		Model:    r.model,
		FilePath: audioPath,
		Language: r.language,
		Format:   openai.AudioResponseFormatJSON,
	}
	resp, err := r.client.CreateTranscription(ctx, req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	lang := resp.Language
	if lang == "" {
		lang = r.language
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Language: lang}, nil
}
