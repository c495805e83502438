//go:build !whispercpp

package stt

import "github.com/loqalabs/loqa-scribe/internal/config"

// NewWhisperRecognizer reports that whisper.cpp is disabled in this build.
func NewWhisperRecognizer(config.STTConfig) (Recognizer, error) {
	return nil, ErrWhisperUnavailable
}
