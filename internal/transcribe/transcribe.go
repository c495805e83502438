// Package transcribe fans chunk files out to a recognizer and gathers the
// results back in chunk order.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/segment"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"golang.org/x/sync/errgroup"
)

// ErrAllChunksFailed is returned when no chunk could be transcribed.
var ErrAllChunksFailed = errors.New("every chunk failed to transcribe")

// ChunkResult is the outcome for one chunk.
type ChunkResult struct {
	Index      int
	StartMS    int
	EndMS      int
	Text       string
	Confidence float64
	Language   string
	Err        error
	Duration   time.Duration
}

// Transcript holds per-chunk results in enumeration order and the joined
// text.
type Transcript struct {
	Chunks []ChunkResult
	Text   string
}

// Failed counts chunks that returned an error.
func (t Transcript) Failed() int {
	n := 0
	for _, c := range t.Chunks {
		if c.Err != nil {
			n++
		}
	}
	return n
}

// Progress is called once per finished chunk. Calls are serialised.
type Progress func(res ChunkResult, done, total int)

type Options struct {
	// Workers caps concurrent recognizer calls. Zero means runtime.NumCPU().
	Workers int
	// Timeout bounds a single recognizer call. Zero disables it.
	Timeout  time.Duration
	Progress Progress
	Logger   *slog.Logger
}

// Run transcribes every chunk with at most opts.Workers calls in flight.
// A failing chunk is logged and recorded without stopping the others.
func Run(ctx context.Context, rec stt.Recognizer, chunks []segment.Chunk, opts Options) (Transcript, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "transcribe"))
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results := make([]ChunkResult, len(chunks))
	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, chunk := range chunks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := transcribeOne(gctx, rec, chunk, opts.Timeout)
			if res.Err != nil {
				if err := ctx.Err(); err != nil {
					return err
				}
				logger.Warn("chunk transcription failed",
					slog.Int("chunk", chunk.Index),
					slog.String("path", chunk.Path),
					slogError(res.Err))
			}
			results[i] = res

			mu.Lock()
			done++
			if opts.Progress != nil {
				opts.Progress(res, done, len(chunks))
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Transcript{Chunks: results}, err
	}
	if err := ctx.Err(); err != nil {
		return Transcript{Chunks: results}, err
	}

	transcript := Transcript{Chunks: results, Text: join(results)}
	if n := transcript.Failed(); n > 0 && n == len(chunks) {
		return transcript, fmt.Errorf("%w: %w", ErrAllChunksFailed, results[0].Err)
	}
	return transcript, nil
}

func transcribeOne(ctx context.Context, rec stt.Recognizer, chunk segment.Chunk, timeout time.Duration) ChunkResult {
	res := ChunkResult{Index: chunk.Index, StartMS: chunk.StartMS, EndMS: chunk.EndMS}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	started := time.Now()
	out, err := rec.Transcribe(callCtx, chunk.Path)
	res.Duration = time.Since(started)
	if err != nil {
		res.Err = fmt.Errorf("chunk %d: %w", chunk.Index, err)
		return res
	}
	res.Text = strings.TrimSpace(out.Text)
	res.Confidence = out.Confidence
	res.Language = out.Language
	return res
}

func join(results []ChunkResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.Text != "" {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, " ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
