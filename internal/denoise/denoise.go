// Package denoise removes stationary background noise from a WAV file.
package denoise

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/media"
)

// Reducer writes a cleaned copy of in and returns the path to use next.
type Reducer interface {
	Reduce(ctx context.Context, in, out string) (string, error)
}

// New picks the reducer for the configured mode.
func New(cfg config.PreprocessConfig, ffmpeg media.Tool) (Reducer, error) {
	switch cfg.Denoise {
	case "", "none":
		return passthrough{}, nil
	case "ffmpeg":
		if ffmpeg.Name() == "" {
			return nil, fmt.Errorf("denoise mode ffmpeg requires an ffmpeg command")
		}
		return &ffmpegReducer{tool: ffmpeg, reduction: cfg.NoiseReductionDB, floor: cfg.NoiseFloorDB}, nil
	default:
		return nil, fmt.Errorf("unsupported denoise mode %q", cfg.Denoise)
	}
}

type passthrough struct{}

func (passthrough) Reduce(_ context.Context, in, _ string) (string, error) {
	return in, nil
}

// ffmpegReducer runs the afftdn spectral denoiser.
type ffmpegReducer struct {
	tool      media.Tool
	reduction float64
	floor     float64
}

func (r *ffmpegReducer) filter() string {
	return fmt.Sprintf("afftdn=nr=%g:nf=%g", r.reduction, r.floor)
}

func (r *ffmpegReducer) Reduce(ctx context.Context, in, out string) (string, error) {
	_, err := r.tool.Run(ctx,
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", in,
		"-af", r.filter(),
		"-acodec", "pcm_s16le",
		out)
	if err != nil {
		return "", fmt.Errorf("reduce noise: %w", err)
	}
	return out, nil
}
