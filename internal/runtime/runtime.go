package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/jobs"
	"github.com/loqalabs/loqa-scribe/internal/jobstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	api       jobAPI
	directory nodeDirectory
	checks    []func() bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up telemetry, the bus, the job store, the pipeline and the
// HTTP server, then blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := SetupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger.With(slog.String("component", "jobstore")))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ensure(); err != nil {
		return err
	}

	pipe, err := pipeline.New(r.cfg, r.logger, pipeline.WithStore(store))
	if err != nil {
		return err
	}
	defer func() {
		if err := pipe.Close(); err != nil {
			r.logger.Warn("failed to close recognizer", slog.String("error", err.Error()))
		}
	}()

	jobService := jobs.NewService(ctx, r.cfg.Jobs, busClient, pipe, store, r.logger)
	if err := jobService.Start(); err != nil {
		return err
	}
	defer jobService.Close()

	registry, err := capability.NewRegistry(ctx, r.cfg.Node,
		capability.ForTranscription(r.cfg.STT, r.cfg.Jobs.MaxConcurrent), jobService.Active, busClient, r.logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	r.api = jobService
	r.directory = registry
	r.checks = []func() bool{busClient.Healthy, jobService.Healthy, registry.Healthy}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	pruneDone := r.schedulePrune(ctx, store)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("stt_mode", r.cfg.STT.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	<-pruneDone

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// schedulePrune applies job retention once an hour.
func (r *Runtime) schedulePrune(ctx context.Context, store *jobstore.Store) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(ctx); err != nil {
					r.logger.Warn("job store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return done
}
