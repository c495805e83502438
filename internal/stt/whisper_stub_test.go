//go:build !whispercpp

package stt

import (
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestWhisperDisabledWithoutBuildTag(t *testing.T) {
	_, err := New(config.STTConfig{Mode: "whisper", ModelPath: "ggml-base.bin"}, nil)
	assert.ErrorIs(t, err, ErrWhisperUnavailable)
}
