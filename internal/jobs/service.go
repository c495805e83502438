// Package jobs accepts transcription requests from the bus or HTTP and runs
// them through the pipeline with bounded concurrency.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/jobstore"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcribe"
	"github.com/nats-io/nats.go"
)

const (
	queueGroup   = "scribe-workers"
	recentLimit  = 256
	streamMaxAge = 7 * 24 * time.Hour
)

var (
	ErrInvalidRequest = errors.New("invalid job request")
	ErrClosed         = errors.New("job service closed")
)

// Runner executes one transcription.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Service struct {
	cfg    config.JobsConfig
	bus    *bus.Client
	runner Runner
	store  *jobstore.Store
	log    *slog.Logger
	clock  func() time.Time
	roots  roots

	sem    chan struct{}
	active atomic.Int32
	mu     sync.Mutex
	closed bool
	status map[string]protocol.JobStatus
	recent []string

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

func NewService(parent context.Context, cfg config.JobsConfig, busClient *bus.Client, runner Runner, store *jobstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		runner: runner,
		store:  store,
		log:    logger.With(slog.String("component", "jobs")),
		clock:  time.Now,
		sem:    make(chan struct{}, limit),
		status: make(map[string]protocol.JobStatus),
		ctx:    ctx,
		cancel: cancel,
	}
	r, err := newRoots(cfg.InputRoot, cfg.OutputRoot)
	if err != nil {
		s.log.Warn("job roots unavailable, rejecting all jobs", slogError(err))
	}
	s.roots = r
	return s
}

// Start subscribes to job requests. Nodes share requests through a queue
// group.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus != nil {
		if err := s.bus.EnsureStream(protocol.StreamJobs, []string{protocol.SubjectJobDone}, streamMaxAge); err != nil {
			s.log.Warn("job event stream unavailable", slogError(err))
		}
		sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectJobRequest, queueGroup, s.handleRequest)
		if err != nil {
			return fmt.Errorf("subscribe job requests: %w", err)
		}
		s.sub = sub
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// Close stops intake and waits for running jobs to observe cancellation.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

// Active is the number of jobs currently in the pipeline.
func (s *Service) Active() int {
	return int(s.active.Load())
}

// Submit queues req and returns immediately with the queued status. Input
// and Output are relative to jobs.input_root and jobs.output_root; an empty
// Output becomes "<job id>.<format>".
func (s *Service) Submit(req protocol.JobRequest) (protocol.JobStatus, error) {
	if !s.cfg.Enabled {
		return protocol.JobStatus{}, fmt.Errorf("%w: job intake disabled", ErrInvalidRequest)
	}
	if req.Input == "" {
		return protocol.JobStatus{}, fmt.Errorf("%w: input is required", ErrInvalidRequest)
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	resolved, err := s.roots.resolve(req)
	if err != nil {
		return protocol.JobStatus{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return protocol.JobStatus{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	queued := protocol.JobStatus{
		JobID:     req.JobID,
		Status:    jobstore.StatusQueued,
		Input:     req.Input,
		Output:    relativeTo(s.roots.output, resolved.Output),
		Timestamp: s.clock().UTC(),
	}
	if err := s.store.CreateJob(s.ctx, jobstore.Job{
		ID:     resolved.JobID,
		Source: resolved.Input,
		Output: resolved.Output,
		Format: resolved.Format,
		Status: jobstore.StatusQueued,
	}); err != nil {
		s.wg.Done()
		return protocol.JobStatus{}, fmt.Errorf("record job: %w", err)
	}
	s.setStatus(queued)
	s.log.Info("job queued", slog.String("job_id", req.JobID), slog.String("input", resolved.Input))

	go s.process(resolved)
	return queued, nil
}

// relativeTo reports job paths without the server-side root.
func relativeTo(root, path string) string {
	if root == "" || !filepath.IsAbs(path) {
		return path
	}
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return filepath.Base(path)
}

func (s *Service) process(req protocol.JobRequest) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		if err := s.store.Fail(context.Background(), req.JobID, s.ctx.Err()); err != nil {
			s.log.Warn("failed to record cancelled job", slog.String("job_id", req.JobID), slogError(err))
		}
		s.finish(req, pipeline.Result{}, s.ctx.Err())
		return
	}
	defer func() { <-s.sem }()

	ctx := s.ctx
	if s.cfg.TimeoutMin > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMin)*time.Minute)
		defer cancel()
	}

	running := s.current(req.JobID)
	running.Status = jobstore.StatusRunning
	running.Timestamp = s.clock().UTC()
	s.setStatus(running)

	s.active.Add(1)
	defer s.active.Add(-1)
	res, err := s.runner.Run(ctx, pipeline.Request{
		JobID:    req.JobID,
		Input:    req.Input,
		Output:   req.Output,
		Format:   req.Format,
		Progress: s.publishProgress(req.JobID),
	})
	s.finish(req, res, err)
}

func (s *Service) finish(req protocol.JobRequest, res pipeline.Result, err error) {
	st := s.current(req.JobID)
	st.Timestamp = s.clock().UTC()
	st.Chunks = res.Chunks
	st.Failed = res.Failed
	if err != nil {
		st.Status = jobstore.StatusFailed
		st.Error = err.Error()
		s.log.Warn("job failed", slog.String("job_id", req.JobID), slogError(err))
	} else {
		st.Status = jobstore.StatusCompleted
		st.Text = res.Transcript.Text
		s.log.Info("job completed",
			slog.String("job_id", req.JobID),
			slog.Int("chunks", res.Chunks),
			slog.Duration("elapsed", res.Elapsed))
	}
	s.setStatus(st)
	s.publish(protocol.SubjectJobDone, st)
}

func (s *Service) publishProgress(jobID string) transcribe.Progress {
	return func(cr transcribe.ChunkResult, done, total int) {
		msg := protocol.ChunkProgress{
			JobID:     jobID,
			Index:     cr.Index,
			StartMS:   cr.StartMS,
			EndMS:     cr.EndMS,
			Text:      cr.Text,
			Done:      done,
			Total:     total,
			Timestamp: s.clock().UTC(),
		}
		if cr.Err != nil {
			msg.Error = cr.Err.Error()
		}
		s.publish(protocol.SubjectJobProgress, msg)
	}
}

func (s *Service) publish(subject string, v any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to marshal job event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish job event", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.JobRequest
	var reply protocol.JobStatus
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode job request", slogError(err))
		reply = protocol.JobStatus{Status: jobstore.StatusFailed, Error: fmt.Sprintf("%v: %v", ErrInvalidRequest, err)}
	} else if st, err := s.Submit(req); err != nil {
		reply = protocol.JobStatus{JobID: req.JobID, Status: jobstore.StatusFailed, Input: req.Input, Error: err.Error()}
	} else {
		reply = st
	}
	if msg.Reply == "" {
		return
	}
	reply.Timestamp = s.clock().UTC()
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal job reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to reply to job request", slogError(err))
	}
}

// Status returns the latest known status for id, consulting the job store
// for jobs this process no longer tracks.
func (s *Service) Status(ctx context.Context, id string) (protocol.JobStatus, error) {
	s.mu.Lock()
	st, ok := s.status[id]
	s.mu.Unlock()
	if ok {
		return st, nil
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return protocol.JobStatus{}, err
	}
	return protocol.JobStatus{
		JobID:     job.ID,
		Status:    job.Status,
		Input:     relativeTo(s.roots.input, job.Source),
		Output:    relativeTo(s.roots.output, job.Output),
		Text:      job.Text,
		Error:     job.Error,
		Chunks:    job.Chunks,
		Failed:    job.Failed,
		Timestamp: job.UpdatedAt,
	}, nil
}

func (s *Service) current(id string) protocol.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

func (s *Service) setStatus(st protocol.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.status[st.JobID]; !known {
		s.recent = append(s.recent, st.JobID)
	}
	s.status[st.JobID] = st
	for len(s.recent) > recentLimit {
		oldest := s.recent[0]
		if old := s.status[oldest]; old.Status == jobstore.StatusQueued || old.Status == jobstore.StatusRunning {
			break
		}
		delete(s.status, oldest)
		s.recent = s.recent[1:]
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
