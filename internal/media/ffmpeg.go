package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

var (
	ErrInputNotFound = errors.New("input file not found")
	ErrNoAudioStream = errors.New("input has no audio stream")
)

// Tool is an external media command such as ffmpeg, optionally with
// leading arguments baked in from configuration.
type Tool struct {
	argv []string
}

// NewTool parses a command line like "ffmpeg -threads 2".
func NewTool(command string) (Tool, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return Tool{}, fmt.Errorf("parse media command: %w", err)
	}
	if len(args) == 0 {
		return Tool{}, fmt.Errorf("media command is empty")
	}
	return Tool{argv: args}, nil
}

// Name is the executable the tool runs.
func (t Tool) Name() string {
	if len(t.argv) == 0 {
		return ""
	}
	return t.argv[0]
}

// Available reports whether the executable can be found.
func (t Tool) Available() bool {
	if t.Name() == "" {
		return false
	}
	_, err := exec.LookPath(t.Name())
	return err == nil
}

// Run executes the tool and returns stdout. Failures carry stderr.
func (t Tool) Run(ctx context.Context, args ...string) ([]byte, error) {
	if len(t.argv) == 0 {
		return nil, fmt.Errorf("media command is empty")
	}
	cmdArgs := append(append([]string{}, t.argv[1:]...), args...)
	command := exec.CommandContext(ctx, t.argv[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", t.Name(), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Extractor pulls the audio track out of a video container.
type Extractor struct {
	cfg     config.MediaConfig
	ffmpeg  Tool
	ffprobe Tool
}

func NewExtractor(cfg config.MediaConfig) (*Extractor, error) {
	ffmpeg, err := NewTool(cfg.FFmpegPath)
	if err != nil {
		return nil, err
	}
	e := &Extractor{cfg: cfg, ffmpeg: ffmpeg}
	if cfg.FFprobePath != "" {
		ffprobe, err := NewTool(cfg.FFprobePath)
		if err != nil {
			return nil, err
		}
		e.ffprobe = ffprobe
	}
	return e, nil
}

// FFmpeg exposes the configured ffmpeg tool for other stages.
func (e *Extractor) FFmpeg() Tool { return e.ffmpeg }

// Extract writes the audio track of videoPath to dir as 16-bit PCM WAV and
// returns the output path.
func (e *Extractor) Extract(ctx context.Context, videoPath, dir string) (string, error) {
	if _, err := os.Stat(videoPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrInputNotFound, videoPath)
		}
		return "", fmt.Errorf("stat input: %w", err)
	}
	if e.ffprobe.Available() {
		info, err := e.Probe(ctx, videoPath)
		if err != nil {
			return "", err
		}
		if !info.HasAudio {
			return "", fmt.Errorf("%w: %s", ErrNoAudioStream, videoPath)
		}
	}

	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	out := filepath.Join(dir, base+"_audio.wav")
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(e.cfg.SampleRate),
		"-ac", strconv.Itoa(e.cfg.Channels),
		out,
	}
	if _, err := e.ffmpeg.Run(ctx, args...); err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	return out, nil
}
