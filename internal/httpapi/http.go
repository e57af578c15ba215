// Package httpapi serves the worker control API and the operator endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"call_audit/internal/callstate"
	"call_audit/internal/config"
	"call_audit/internal/events"
	"call_audit/internal/importer"
	"call_audit/internal/jobs"
	"call_audit/internal/metrics"
	"call_audit/internal/queue"
	"call_audit/internal/store"
	"github.com/rs/zerolog/log"
)

// maxImportBytes bounds a POST /import body.
const maxImportBytes = 32 << 20

// Importer loads a CSV stream.
type Importer interface {
	Import(ctx context.Context, r io.Reader) (*importer.Report, error)
}

// Router builds HTTP handlers.
type Router struct {
	store    *store.Store
	manager  *jobs.Manager
	importer Importer
	bus      *events.Bus
	metrics  *metrics.Counters
	queue    *queue.Queue
}

func NewRouter(st *store.Store, mgr *jobs.Manager, im Importer, bus *events.Bus, m *metrics.Counters, q *queue.Queue) *Router {
	return &Router{store: st, manager: mgr, importer: im, bus: bus, metrics: m, queue: q}
}

// Handler returns a mux with every route registered.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	r.Register(mux)
	return logRequests(mux)
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", r.health)
	mux.HandleFunc("POST /batch/start", r.startBatch)
	mux.HandleFunc("GET /batch/status", r.batchStatus)
	mux.HandleFunc("GET /batch/events", r.batchEvents)
	mux.HandleFunc("GET /batch/runs", r.batchRuns)
	mux.HandleFunc("GET /batch/runs/{id}", r.batchRun)
	mux.HandleFunc("GET /batch/runs/{id}/logs", r.batchLogs)
	mux.HandleFunc("GET /calls", r.calls)
	mux.HandleFunc("GET /calls/{id}", r.call)
	mux.HandleFunc("POST /calls/{id}/reset", r.resetCall)
	mux.HandleFunc("POST /import", r.importCSV)
	mux.HandleFunc("GET /metrics", r.metricsSnapshot)
}

type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	report := r.manager.Health(req.Context())
	status := http.StatusOK
	body := struct {
		jobs.HealthReport
		Database string `json:"database"`
	}{HealthReport: report, Database: "ok"}
	if err := r.store.Health(req.Context()); err != nil {
		body.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, body)
}

func (r *Router) startBatch(w http.ResponseWriter, req *http.Request) {
	var body jobs.StartRequest
	if req.ContentLength != 0 {
		dec := json.NewDecoder(req.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
			return
		}
	}
	id, err := r.manager.Start(req.Context(), body)
	var unavailable *jobs.UnavailableError
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"message": "Batch processing started", "batchId": id})
	case errors.Is(err, jobs.ErrBusy):
		respondJSON(w, http.StatusConflict, errorBody{Error: "Batch processing already in progress"})
	case errors.As(err, &unavailable):
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: unavailable.Error(), Hint: unavailable.Hint})
	case errors.Is(err, jobs.ErrInvalidRequest):
		respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("batch start failed")
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (r *Router) batchStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.manager.Status())
}

// batchEvents streams bus events as server-sent events until the client goes away.
func (r *Router) batchEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	ch, unsubscribe := r.bus.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-req.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			buf, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, buf)
			flusher.Flush()
		}
	}
}

func (r *Router) batchRuns(w http.ResponseWriter, req *http.Request) {
	runs, err := r.store.ListBatchRuns(req.Context(), queryInt(req, "limit", 20))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	if runs == nil {
		runs = []store.BatchRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (r *Router) batchRun(w http.ResponseWriter, req *http.Request) {
	run, err := r.store.GetBatchRun(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (r *Router) batchLogs(w http.ResponseWriter, req *http.Request) {
	logs, err := r.store.BatchLogs(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []store.BatchLog{}
	}
	respondJSON(w, http.StatusOK, logs)
}

func (r *Router) calls(w http.ResponseWriter, req *http.Request) {
	var status callstate.Status
	if raw := req.URL.Query().Get("status"); raw != "" {
		s, err := callstate.Parse(raw)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		status = s
	}
	list, err := r.store.ListCalls(req.Context(), status, queryInt(req, "limit", 100))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	if list == nil {
		list = []store.Call{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) call(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	c, err := r.store.GetCall(ctx, req.PathValue("id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	body := struct {
		Call  *store.Call        `json:"call"`
		Audit *store.AuditResult `json:"audit"`
	}{Call: c}
	audit, err := r.store.LatestAuditResult(ctx, c.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	body.Audit = audit
	respondJSON(w, http.StatusOK, body)
}

func (r *Router) resetCall(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")
	if err := r.store.ResetCall(ctx, id, config.Now()); err != nil {
		respondStoreError(w, err)
		return
	}
	c, err := r.store.GetCall(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (r *Router) importCSV(w http.ResponseWriter, req *http.Request) {
	rep, err := r.importer.Import(req.Context(), http.MaxBytesReader(w, req.Body, maxImportBytes))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	r.metrics.Imported(rep.Imported, rep.Failed)
	r.bus.Publish(events.Event{Type: events.CallsImported, Count: rep.Imported, Total: rep.Total})
	respondJSON(w, http.StatusOK, rep)
}

func (r *Router) metricsSnapshot(w http.ResponseWriter, req *http.Request) {
	body := map[string]any{"counters": r.metrics.Snapshot()}
	if counts, err := r.store.CountByStatus(req.Context()); err == nil {
		body["calls_by_status"] = counts
	}
	if r.queue != nil {
		body["queue"] = r.queue.Stats()
	}
	respondJSON(w, http.StatusOK, body)
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, store.ErrStaleStatus):
		respondJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func queryInt(req *http.Request, key string, def int) int {
	raw := strings.TrimSpace(req.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("write json")
	}
}
