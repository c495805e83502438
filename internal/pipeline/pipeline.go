// Package pipeline turns a video file into a transcript: extract the audio,
// clean it, split it on silence, transcribe the chunks and write the text.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/denoise"
	"github.com/loqalabs/loqa-scribe/internal/jobstore"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/output"
	"github.com/loqalabs/loqa-scribe/internal/segment"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/pipeline"

// Request describes one video to transcribe. Empty Output and Format fall
// back to the configured defaults.
type Request struct {
	JobID    string
	Input    string
	Output   string
	Format   string
	Progress transcribe.Progress
}

// Result summarises a finished run.
type Result struct {
	JobID         string
	Output        string
	Format        string
	Transcript    transcribe.Transcript
	AudioDuration time.Duration
	Chunks        int
	Failed        int
	Elapsed       time.Duration
}

type Option func(*Pipeline)

// WithStore records job and chunk progress in store.
func WithStore(store *jobstore.Store) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithRecognizer overrides the recognizer built from configuration.
func WithRecognizer(rec stt.Recognizer) Option {
	return func(p *Pipeline) { p.recognizer = rec }
}

type Pipeline struct {
	cfg        config.Config
	logger     *slog.Logger
	extractor  *media.Extractor
	reducer    denoise.Reducer
	splitter   *segment.Splitter
	recognizer stt.Recognizer
	store      *jobstore.Store
	clock      func() time.Time

	tracer        trace.Tracer
	jobsCounter   metric.Int64Counter
	chunksCounter metric.Int64Counter
	stageDuration metric.Float64Histogram
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "pipeline")),
		clock:  time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}

	extractor, err := media.NewExtractor(cfg.Media)
	if err != nil {
		return nil, err
	}
	p.extractor = extractor

	reducer, err := denoise.New(cfg.Preprocess, extractor.FFmpeg())
	if err != nil {
		return nil, err
	}
	p.reducer = reducer
	p.splitter = segment.NewSplitter(segment.OptionsFromConfig(cfg.Segment), logger)

	if p.recognizer == nil {
		rec, err := stt.New(cfg.STT, logger)
		if err != nil {
			return nil, err
		}
		p.recognizer = rec
	}

	if err := p.initMetrics(); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p, nil
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if p.jobsCounter, err = meter.Int64Counter("scribe.jobs",
		metric.WithDescription("Transcription jobs by final status")); err != nil {
		return err
	}
	if p.chunksCounter, err = meter.Int64Counter("scribe.chunks",
		metric.WithDescription("Transcribed chunks by outcome")); err != nil {
		return err
	}
	p.stageDuration, err = meter.Float64Histogram("scribe.stage.duration",
		metric.WithDescription("Pipeline stage latency"),
		metric.WithUnit("s"))
	return err
}

// Recognizer returns the backend in use.
func (p *Pipeline) Recognizer() stt.Recognizer { return p.recognizer }

// Close releases the recognizer.
func (p *Pipeline) Close() error {
	return stt.Close(p.recognizer)
}

// Run executes every stage for req. Scratch files are removed before it
// returns unless media.keep_temp is set.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result, err error) {
	started := p.clock()
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if req.Output == "" {
		req.Output = p.cfg.Output.Path
	}
	if req.Format == "" {
		req.Format = p.cfg.Output.Format
	}
	res = Result{JobID: req.JobID, Output: req.Output}
	logger := p.logger.With(slog.String("job_id", req.JobID))

	ctx, span := p.tracer.Start(ctx, "scribe.job", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.input", req.Input),
		attribute.String("stt.mode", p.cfg.STT.Mode),
	))
	defer func() {
		status := jobstore.StatusCompleted
		if err != nil {
			status = jobstore.StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if ferr := p.store.Fail(context.WithoutCancel(ctx), req.JobID, err); ferr != nil {
				logger.Warn("failed to record job failure", slogError(ferr))
			}
		}
		if p.jobsCounter != nil {
			p.jobsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		}
		span.End()
	}()

	format, err := output.ResolveFormat(req.Output, req.Format)
	if err != nil {
		return res, err
	}
	res.Format = format
	if _, err := os.Stat(req.Input); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%w: %s", media.ErrInputNotFound, req.Input)
		}
		return res, fmt.Errorf("stat input: %w", err)
	}
	if err := p.ensureJob(ctx, req, format); err != nil {
		logger.Warn("failed to record job", slogError(err))
	}
	if err := p.store.UpdateStatus(ctx, req.JobID, jobstore.StatusRunning); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
		logger.Warn("failed to update job status", slogError(err))
	}

	ws, err := newWorkspace(p.cfg.Media, req.JobID)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := ws.Cleanup(); cerr != nil {
			logger.Warn("failed to clean workspace", slog.String("dir", ws.Dir()), slogError(cerr))
		}
	}()
	if p.cfg.Media.KeepTemp {
		logger.Info("keeping intermediate files", slog.String("dir", ws.Dir()))
	}

	var extracted string
	err = p.stage(ctx, logger, "extract", "extracting audio from video", func(ctx context.Context) error {
		var err error
		extracted, err = p.extractor.Extract(ctx, req.Input, ws.Dir())
		return err
	})
	if err != nil {
		return res, err
	}

	var cleaned preprocessed
	err = p.stage(ctx, logger, "preprocess", "enhancing audio quality", func(ctx context.Context) error {
		var err error
		cleaned, err = p.preprocess(ctx, ws, extracted)
		return err
	})
	if err != nil {
		return res, err
	}
	res.AudioDuration = time.Duration(cleaned.clip.Len()) * time.Millisecond

	var chunks []segment.Chunk
	err = p.stage(ctx, logger, "split", "splitting audio into smaller chunks", func(ctx context.Context) error {
		var err error
		chunks, err = p.splitter.Export(ctx, cleaned.clip, ws.Dir())
		return err
	})
	if err != nil {
		return res, err
	}
	res.Chunks = len(chunks)

	var transcript transcribe.Transcript
	err = p.stage(ctx, logger, "transcribe", "transcribing audio chunks in parallel", func(ctx context.Context) error {
		var err error
		transcript, err = transcribe.Run(ctx, p.recognizer, chunks, transcribe.Options{
			Workers:  p.cfg.STT.Workers,
			Timeout:  time.Duration(p.cfg.STT.TimeoutSec) * time.Second,
			Progress: p.progress(ctx, logger, req),
			Logger:   logger,
		})
		return err
	})
	res.Transcript = transcript
	res.Failed = transcript.Failed()
	if err != nil {
		return res, err
	}

	err = p.stage(ctx, logger, "output", "writing transcript", func(ctx context.Context) error {
		meta := output.Metadata{
			Source:    req.Input,
			Backend:   p.cfg.STT.Mode,
			Model:     p.modelName(),
			Generated: p.clock(),
			Duration:  res.AudioDuration,
		}
		return output.Write(req.Output, format, meta, transcript)
	})
	if err != nil {
		return res, err
	}

	if err := p.store.Complete(ctx, req.JobID, transcript.Text, res.Chunks, res.Failed); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
		logger.Warn("failed to record job completion", slogError(err))
	}
	res.Elapsed = p.clock().Sub(started)
	logger.Info("transcription complete",
		slog.String("output", req.Output),
		slog.Int("chunks", res.Chunks),
		slog.Int("failed_chunks", res.Failed),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (p *Pipeline) ensureJob(ctx context.Context, req Request, format string) error {
	_, err := p.store.GetJob(ctx, req.JobID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jobstore.ErrJobNotFound) {
		return err
	}
	return p.store.CreateJob(ctx, jobstore.Job{
		ID:     req.JobID,
		Source: req.Input,
		Output: req.Output,
		Format: format,
		Status: jobstore.StatusQueued,
	})
}

// stage runs fn inside its own span and records its latency.
func (p *Pipeline) stage(ctx context.Context, logger *slog.Logger, name, message string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "scribe.stage."+name)
	defer span.End()

	logger.Info(message, slog.String("stage", name))
	started := p.clock()
	err := fn(ctx)
	if p.stageDuration != nil {
		p.stageDuration.Record(ctx, p.clock().Sub(started).Seconds(),
			metric.WithAttributes(attribute.String("stage", name)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (p *Pipeline) progress(ctx context.Context, logger *slog.Logger, req Request) transcribe.Progress {
	return func(cr transcribe.ChunkResult, done, total int) {
		outcome := "ok"
		rec := jobstore.ChunkRecord{
			JobID:   req.JobID,
			Index:   cr.Index,
			StartMS: cr.StartMS,
			EndMS:   cr.EndMS,
			Text:    cr.Text,
		}
		if cr.Err != nil {
			outcome = "error"
			rec.Error = cr.Err.Error()
		}
		if p.chunksCounter != nil {
			p.chunksCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		if err := p.store.RecordChunk(ctx, rec); err != nil {
			logger.Warn("failed to record chunk", slog.Int("chunk", cr.Index), slogError(err))
		}
		logger.Debug("chunk transcribed",
			slog.Int("chunk", cr.Index),
			slog.Int("done", done),
			slog.Int("total", total),
			slog.Duration("took", cr.Duration))
		if req.Progress != nil {
			req.Progress(cr, done, total)
		}
	}
}

func (p *Pipeline) modelName() string {
	switch p.cfg.STT.Mode {
	case "openai":
		return p.cfg.STT.Model
	case "whisper", "exec":
		return p.cfg.STT.ModelPath
	default:
		return ""
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
