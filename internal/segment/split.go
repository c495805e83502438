package segment

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Options controls split-on-silence.
type Options struct {
	MinSilenceMS  int
	KeepSilenceMS int
	SeekStepMS    int
	// ThreshDB is used when set; otherwise the threshold is derived from
	// the clip loudness plus OffsetDB.
	ThreshDB *float64
	OffsetDB float64
	// MinChunkMS drops exported chunks that are not longer than this.
	MinChunkMS int
}

// DefaultOptions mirrors the default segment configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Segment)
}

// OptionsFromConfig converts the segment configuration section.
func OptionsFromConfig(cfg config.SegmentConfig) Options {
	return Options{
		MinSilenceMS:  cfg.MinSilenceMS,
		KeepSilenceMS: cfg.KeepSilenceMS,
		SeekStepMS:    cfg.SeekStepMS,
		ThreshDB:      cfg.SilenceThreshDB,
		OffsetDB:      cfg.ThresholdOffsetDB,
		MinChunkMS:    cfg.MinChunkMS,
	}
}

func (o Options) threshold(clip audio.Clip) float64 {
	if o.ThreshDB != nil {
		return *o.ThreshDB
	}
	return Threshold(clip, o.OffsetDB)
}

// SplitRanges returns the padded chunk ranges for the clip. Neighbouring
// ranges whose padding overlaps meet at the midpoint of the overlap.
func SplitRanges(clip audio.Clip, opts Options) []Range {
	nonsilent := DetectNonsilent(clip, opts.MinSilenceMS, opts.threshold(clip), opts.SeekStepMS)
	if len(nonsilent) == 0 {
		return nil
	}
	keep := opts.KeepSilenceMS
	out := make([]Range, len(nonsilent))
	for i, r := range nonsilent {
		out[i] = Range{StartMS: r.StartMS - keep, EndMS: r.EndMS + keep}
	}
	for i := 0; i+1 < len(out); i++ {
		lastEnd := out[i].EndMS
		nextStart := out[i+1].StartMS
		if nextStart < lastEnd {
			mid := floorDiv(lastEnd+nextStart, 2)
			out[i].EndMS = mid
			out[i+1].StartMS = mid
		}
	}
	segLen := clip.Len()
	for i := range out {
		out[i].StartMS = max(out[i].StartMS, 0)
		out[i].EndMS = min(out[i].EndMS, segLen)
	}
	return out
}

// Split cuts the clip at its silences.
func Split(clip audio.Clip, opts Options) []audio.Clip {
	ranges := SplitRanges(clip, opts)
	clips := make([]audio.Clip, len(ranges))
	for i, r := range ranges {
		clips[i] = clip.Slice(r.StartMS, r.EndMS)
	}
	return clips
}

// Chunk is an exported piece of the source clip ready for transcription.
type Chunk struct {
	// Index is the position in the unfiltered split, so indices may skip
	// numbers where short chunks were dropped.
	Index   int
	StartMS int
	EndMS   int
	Path    string
}

// DurationMS returns the chunk length.
func (c Chunk) DurationMS() int { return c.EndMS - c.StartMS }

// Splitter writes split chunks to disk.
type Splitter struct {
	opts   Options
	logger *slog.Logger
}

func NewSplitter(opts Options, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Splitter{opts: opts, logger: logger.With(slog.String("component", "segment"))}
}

// Export splits the clip and writes every chunk longer than MinChunkMS to
// dir as chunk_<index>.wav. Chunks are returned in clip order.
func (s *Splitter) Export(ctx context.Context, clip audio.Clip, dir string) ([]Chunk, error) {
	thresh := s.opts.threshold(clip)
	s.logger.Info("splitting audio into chunks",
		slog.Int("duration_ms", clip.Len()),
		slog.Float64("silence_thresh_db", thresh),
		slog.Int("min_silence_ms", s.opts.MinSilenceMS),
		slog.Int("keep_silence_ms", s.opts.KeepSilenceMS))

	opts := s.opts
	opts.ThreshDB = &thresh
	ranges := SplitRanges(clip, opts)

	var chunks []Chunk
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return chunks, err
		}
		if r.Len() <= s.opts.MinChunkMS {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("chunk_%d.wav", i))
		if err := audio.WriteWAV(path, clip.Slice(r.StartMS, r.EndMS)); err != nil {
			return chunks, fmt.Errorf("export chunk %d: %w", i, err)
		}
		chunks = append(chunks, Chunk{Index: i, StartMS: r.StartMS, EndMS: r.EndMS, Path: path})
		s.logger.Info("chunk exported",
			slog.Int("chunk", i+1),
			slog.String("seconds", fmt.Sprintf("%.2f", float64(r.Len())/1000)))
	}
	if len(chunks) == 0 {
		s.logger.Warn("no chunks long enough to transcribe", slog.Int("ranges", len(ranges)))
	}
	return chunks, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
