package segment

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// One sample per millisecond keeps the arithmetic in these tests readable.
const testRate = 1000

type part struct {
	ms   int
	tone bool
}

func buildClip(parts ...part) audio.Clip {
	var samples []int16
	for _, p := range parts {
		for i := 0; i < p.ms; i++ {
			var v int16
			if p.tone {
				v = 10000
				if i%2 == 1 {
					v = -10000
				}
			}
			samples = append(samples, v)
		}
	}
	return audio.Clip{Samples: samples, SampleRate: testRate, Channels: 1}
}

func tone(ms int) part    { return part{ms: ms, tone: true} }
func silence(ms int) part { return part{ms: ms} }

func thresh(db float64) *float64 { return &db }

func TestDetectSilenceFindsGap(t *testing.T) {
	clip := buildClip(tone(1000), silence(1000), tone(1000))
	got := DetectSilence(clip, 700, -40, 1)
	assert.Equal(t, []Range{{StartMS: 1000, EndMS: 2000}}, got)
}

func TestDetectSilenceShortClip(t *testing.T) {
	clip := buildClip(silence(500))
	assert.Empty(t, DetectSilence(clip, 700, -40, 1))
	assert.Equal(t, []Range{{StartMS: 0, EndMS: 500}}, DetectNonsilent(clip, 700, -40, 1))
}

func TestDetectSilenceCoarseStepChecksLastWindow(t *testing.T) {
	// With a 300ms step the last window start (1300) is not on the grid but
	// must still be evaluated.
	clip := buildClip(tone(1000), silence(1000))
	got := DetectSilence(clip, 700, -40, 300)
	require.Len(t, got, 1)
	assert.Equal(t, 2000, got[0].EndMS)
	assert.Equal(t, 1200, got[0].StartMS)
}

func TestDetectNonsilent(t *testing.T) {
	cases := []struct {
		name string
		clip audio.Clip
		want []Range
	}{
		{"no silence", buildClip(tone(2000)), []Range{{0, 2000}}},
		{"all silent", buildClip(silence(2000)), nil},
		{"leading silence", buildClip(silence(800), tone(1000)), []Range{{800, 1800}}},
		{"trailing silence", buildClip(tone(1000), silence(900)), []Range{{0, 1000}}},
		{"two gaps", buildClip(tone(500), silence(800), tone(600), silence(700), tone(400)),
			[]Range{{0, 500}, {1300, 1900}, {2600, 3000}}},
		{"gap too short", buildClip(tone(500), silence(600), tone(500)), []Range{{0, 1600}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectNonsilent(tc.clip, 700, -40, 1))
		})
	}
}

func TestSplitRangesPadsAndClamps(t *testing.T) {
	clip := buildClip(tone(1000), silence(1000), tone(1000))
	opts := Options{MinSilenceMS: 700, KeepSilenceMS: 300, SeekStepMS: 1, ThreshDB: thresh(-40)}
	assert.Equal(t, []Range{{0, 1300}, {1700, 3000}}, SplitRanges(clip, opts))
}

func TestSplitRangesOverlappingPaddingMeetsAtMidpoint(t *testing.T) {
	clip := buildClip(tone(1000), silence(800), tone(1000))
	opts := Options{MinSilenceMS: 700, KeepSilenceMS: 500, SeekStepMS: 1, ThreshDB: thresh(-40)}
	assert.Equal(t, []Range{{0, 1400}, {1400, 2800}}, SplitRanges(clip, opts))
}

func TestSplitReturnsClips(t *testing.T) {
	clip := buildClip(tone(1000), silence(1000), tone(1500))
	opts := Options{MinSilenceMS: 700, KeepSilenceMS: 0, SeekStepMS: 1, ThreshDB: thresh(-40)}
	clips := Split(clip, opts)
	require.Len(t, clips, 2)
	assert.Equal(t, 1000, clips[0].Len())
	assert.Equal(t, 1500, clips[1].Len())
}

func TestSplitSilentClipYieldsNothing(t *testing.T) {
	clip := buildClip(silence(3000))
	assert.Empty(t, Split(clip, DefaultOptions()))
}

func TestDerivedThresholdTracksLoudness(t *testing.T) {
	// A quiet hum between louder speech must count as silence once the
	// threshold is taken relative to the clip loudness.
	var samples []int16
	for i := 0; i < 3000; i++ {
		amp := int16(20000)
		if i >= 1000 && i < 2000 {
			amp = 200
		}
		if i%2 == 1 {
			amp = -amp
		}
		samples = append(samples, amp)
	}
	clip := audio.Clip{Samples: samples, SampleRate: testRate, Channels: 1}

	th := Threshold(clip, -14)
	assert.Less(t, th, clip.DBFS())

	ranges := SplitRanges(clip, Options{MinSilenceMS: 700, KeepSilenceMS: 0, SeekStepMS: 1, OffsetDB: -14})
	require.Len(t, ranges, 2)
	// A handful of loud samples still fit under the threshold inside one
	// window, so the boundaries may shift slightly into the speech.
	assert.Equal(t, 0, ranges[0].StartMS)
	assert.InDelta(t, 1000, ranges[0].EndMS, 25)
	assert.InDelta(t, 2000, ranges[1].StartMS, 25)
	assert.Equal(t, 3000, ranges[1].EndMS)
}

func TestWindowEnergyMatchesClipRMS(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = int16(rng.Intn(65536) - 32768)
	}
	clip := audio.Clip{Samples: samples, SampleRate: 8000, Channels: 1}
	e := newEnergy(clip)
	for i := 0; i < 50; i++ {
		start := rng.Intn(900)
		end := start + 1 + rng.Intn(100)
		assert.Equal(t, clip.Slice(start, end).RMS(), e.rms(start, end), "window %d-%d", start, end)
	}
}

func TestExportDropsShortChunks(t *testing.T) {
	clip := buildClip(tone(1500), silence(1000), tone(500), silence(1000), tone(1500))
	opts := Options{MinSilenceMS: 700, KeepSilenceMS: 0, SeekStepMS: 1, ThreshDB: thresh(-40), MinChunkMS: 1000}
	dir := t.TempDir()

	chunks, err := NewSplitter(opts, nil).Export(context.Background(), clip, dir)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 2, chunks[1].Index)
	assert.Equal(t, filepath.Join(dir, "chunk_2.wav"), chunks[1].Path)
	assert.Equal(t, 1500, chunks[1].DurationMS())

	_, err = os.Stat(filepath.Join(dir, "chunk_1.wav"))
	assert.True(t, os.IsNotExist(err))

	written, err := audio.ReadWAV(chunks[0].Path)
	require.NoError(t, err)
	assert.Equal(t, 1500, written.Len())
}

func TestExportHonoursCancellation(t *testing.T) {
	clip := buildClip(tone(1500), silence(1000), tone(1500))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSplitter(DefaultOptions(), nil).Export(ctx, clip, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}
