package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/jobs"
	"github.com/loqalabs/loqa-scribe/internal/jobstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

const maxRequestBody = 1 << 20

type jobAPI interface {
	Submit(req protocol.JobRequest) (protocol.JobStatus, error)
	Status(ctx context.Context, id string) (protocol.JobStatus, error)
}

type nodeDirectory interface {
	Nodes(filters ...capability.Filter) []capability.NodeInfo
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("POST /jobs", r.handleSubmit)
	mux.HandleFunc("GET /jobs/{id}", r.handleStatus)
	mux.HandleFunc("GET /nodes", r.handleNodes)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) healthy() bool {
	for _, check := range r.checks {
		if !check() {
			return false
		}
	}
	return true
}

func (r *Runtime) handleSubmit(w http.ResponseWriter, req *http.Request) {
	if r.api == nil {
		writeError(w, http.StatusServiceUnavailable, "job intake not running")
		return
	}
	var body protocol.JobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	st, err := r.api.Submit(body)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, jobs.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, jobs.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		r.logger.Warn("job submission rejected", slog.String("error", err.Error()))
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Location", "/jobs/"+st.JobID)
	writeJSON(w, http.StatusAccepted, st)
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if r.api == nil {
		writeError(w, http.StatusServiceUnavailable, "job intake not running")
		return
	}
	st, err := r.api.Status(req.Context(), req.PathValue("id"))
	if errors.Is(err, jobstore.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleNodes lists known scribe nodes. Query parameters capability and
// tier narrow the list; healthy=true drops nodes that stopped heartbeating.
func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.directory == nil {
		writeError(w, http.StatusServiceUnavailable, "node directory not running")
		return
	}
	q := req.URL.Query()
	var filters []capability.Filter
	if name := q.Get("capability"); name != "" {
		filters = append(filters, capability.HasCapability(name))
	}
	if tier := q.Get("tier"); tier != "" {
		filters = append(filters, capability.InTier(tier))
	}
	if q.Get("healthy") == "true" {
		filters = append(filters, capability.HealthyOnly())
	}
	writeJSON(w, http.StatusOK, r.directory.Nodes(filters...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
