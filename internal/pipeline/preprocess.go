package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/workspace"
)

const (
	normalizedName = "normalized_audio.wav"
	cleanedName    = "cleaned_audio.wav"
)

type preprocessed struct {
	path string
	clip audio.Clip
}

func newWorkspace(cfg config.MediaConfig, jobID string) (*workspace.Workspace, error) {
	prefix := "scribe-" + jobID
	if len(jobID) > 8 {
		prefix = "scribe-" + jobID[:8]
	}
	ws, err := workspace.New(cfg.TempDir, prefix)
	if err != nil {
		return nil, err
	}
	ws.Keep(cfg.KeepTemp)
	return ws, nil
}

// preprocess downmixes, normalises and denoises the extracted track and
// leaves the result in cleaned_audio.wav.
func (p *Pipeline) preprocess(ctx context.Context, ws *workspace.Workspace, extracted string) (preprocessed, error) {
	clip, err := audio.ReadWAV(extracted)
	if err != nil {
		return preprocessed{}, err
	}
	if p.cfg.Preprocess.Mono {
		clip = clip.Mono()
	}
	if p.cfg.Preprocess.Normalize {
		clip = clip.Normalize(p.cfg.Preprocess.HeadroomDB)
	}

	normalized := ws.Path(normalizedName)
	if err := audio.WriteWAV(normalized, clip); err != nil {
		return preprocessed{}, err
	}
	cleaned := ws.Path(cleanedName)
	got, err := p.reducer.Reduce(ctx, normalized, cleaned)
	if err != nil {
		return preprocessed{}, err
	}
	if got != cleaned {
		// reducer left the file alone
		if err := os.Rename(got, cleaned); err != nil {
			return preprocessed{}, fmt.Errorf("move cleaned audio: %w", err)
		}
		return preprocessed{path: cleaned, clip: clip}, nil
	}

	clip, err = audio.ReadWAV(cleaned)
	if err != nil {
		return preprocessed{}, err
	}
	return preprocessed{path: cleaned, clip: clip}, nil
}
