package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/jobstore"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Media.TempDir = t.TempDir()
	cfg.Media.SampleRate = 16000
	cfg.Media.Channels = 1
	cfg.Preprocess.Denoise = "none"
	cfg.STT.Mode = "mock"
	cfg.STT.Workers = 2
	cfg.Output.Path = filepath.Join(t.TempDir(), "extracted_text.txt")
	return cfg
}

func openStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(context.Background(), config.JobStoreConfig{
		Path:          filepath.Join(t.TempDir(), "jobs.db"),
		RetentionMode: "session",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunMissingInputFailsJob(t *testing.T) {
	cfg := testConfig(t)
	store := openStore(t)
	p, err := New(cfg, nil, WithStore(store))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), Request{JobID: "job-missing", Input: filepath.Join(t.TempDir(), "nope.mp4")})
	assert.ErrorIs(t, err, media.ErrInputNotFound)

	_, statErr := os.Stat(cfg.Output.Path)
	assert.True(t, os.IsNotExist(statErr), "no output on failure")

	entries, err := os.ReadDir(cfg.Media.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no workspace left behind")
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	p, err := New(testConfig(t), nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), Request{Input: "x.mp4", Format: "docx"})
	assert.Error(t, err)
}

func TestPreprocessDownmixesAndNormalizes(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, nil)
	require.NoError(t, err)
	ws, err := newWorkspace(cfg.Media, "abcdef0123456789")
	require.NoError(t, err)
	defer ws.Cleanup()
	assert.Contains(t, filepath.Base(ws.Dir()), "scribe-abcdef01-")

	stereo := audio.Clip{SampleRate: 8000, Channels: 2, Samples: make([]int16, 8000*2)}
	for i := 0; i < len(stereo.Samples); i += 2 {
		stereo.Samples[i] = 1000
		stereo.Samples[i+1] = 3000
	}
	in := ws.Path("extracted.wav")
	require.NoError(t, audio.WriteWAV(in, stereo))

	got, err := p.preprocess(context.Background(), ws, in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Dir(), cleanedName), got.path)
	assert.Equal(t, 1, got.clip.Channels)
	assert.InDelta(t, -0.1, got.clip.DBFS(), 0.05)

	onDisk, err := audio.ReadWAV(got.path)
	require.NoError(t, err)
	assert.Equal(t, got.clip.Samples, onDisk.Samples)
}

func TestRunEndToEndWithFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available")
	}
	dir := t.TempDir()
	video := filepath.Join(dir, "talk.mkv")
	// three 2s tones separated by 1s of silence
	cmd := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "aevalsrc=if(lt(mod(t\\,3)\\,2)\\,0.5*sin(2*PI*440*t)\\,0):s=16000:d=9",
		"-f", "lavfi", "-i", "color=c=black:s=32x32:d=9",
		"-shortest", "-y", video)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("cannot synthesise test video: %v: %s", err, out)
	}

	cfg := testConfig(t)
	store := openStore(t)
	p, err := New(cfg, nil, WithStore(store))
	require.NoError(t, err)

	var progress []int
	res, err := p.Run(context.Background(), Request{
		JobID: "job-e2e",
		Input: video,
		Progress: func(_ transcribe.ChunkResult, done, _ int) {
			progress = append(progress, done)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, progress, 3)

	data, err := os.ReadFile(cfg.Output.Path)
	require.NoError(t, err)
	text := string(data)
	assert.Equal(t, 3, strings.Count(text, "[chunk_"))
	assert.True(t, strings.HasPrefix(text, "[chunk_0.wav"))

	job, err := store.GetJob(context.Background(), "job-e2e")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	assert.Equal(t, text, job.Text)
	chunks, err := store.ListChunks(context.Background(), "job-e2e")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)

	entries, err := os.ReadDir(cfg.Media.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunNoAudioStream(t *testing.T) {
	for _, tool := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	video := filepath.Join(t.TempDir(), "silent.mkv")
	cmd := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=c=black:s=32x32:d=1", "-y", video)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("cannot synthesise test video: %v: %s", err, out)
	}
	p, err := New(testConfig(t), nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), Request{Input: video})
	assert.True(t, errors.Is(err, media.ErrNoAudioStream), "got %v", err)
}
