// Package httpapi exposes finalize, unfinalize and closure runs over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tims/internal/runner"
	"tims/internal/service"
	"tims/pkg/domain"
)

// Orchestrator is the subset of service.Service the API drives.
type Orchestrator interface {
	GetStudy(ctx context.Context, id int64) (service.StudyView, error)
	Finalize(ctx context.Context, req service.FinalizeRequest) (service.Ticket, error)
	Unfinalize(ctx context.Context, studyID int64, requestedBy string) (service.Ticket, error)
	Close(ctx context.Context, studyID int64, requestedBy string) (service.Ticket, error)
	GetRun(id string) (runner.Run, error)
	ListRuns() []runner.Run
}

// Handler serves the v1 API.
type Handler struct {
	svc Orchestrator
	log *zap.Logger
}

// NewRouter registers the API, /healthz and, when metrics is non-nil, /metrics.
func NewRouter(svc Orchestrator, metrics http.Handler, log *zap.Logger) *mux.Router {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{svc: svc, log: log}
	r := mux.NewRouter()
	r.Use(h.logRequests)
	// Routes sit on the root router: method mismatches inside a subrouter
	// surface as 404 instead of 405.
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", req.Method))
	})
	const api = "/api/v1"
	r.HandleFunc(api+"/studies/{id:[0-9]+}", h.getStudy).Methods(http.MethodGet)
	r.HandleFunc(api+"/studies/{id:[0-9]+}/finalize", h.finalize).Methods(http.MethodPost)
	r.HandleFunc(api+"/studies/{id:[0-9]+}/unfinalize", h.unfinalize).Methods(http.MethodPost)
	r.HandleFunc(api+"/studies/{id:[0-9]+}/close", h.close).Methods(http.MethodPost)
	r.HandleFunc(api+"/runs", h.listRuns).Methods(http.MethodGet)
	r.HandleFunc(api+"/runs/{id}", h.getRun).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type finalizeBody struct {
	JobIDs      []int64 `json:"job_ids"`
	RequestedBy string  `json:"requested_by"`
}

type requestBody struct {
	RequestedBy string `json:"requested_by"`
}

func (h *Handler) getStudy(w http.ResponseWriter, r *http.Request) {
	id, ok := studyID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetStudy(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"study": view})
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := studyID(w, r)
	if !ok {
		return
	}
	var body finalizeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := h.svc.Finalize(r.Context(), service.FinalizeRequest{StudyID: id, JobIDs: body.JobIDs, RequestedBy: body.RequestedBy})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeRun(w, ticket.Run)
}

func (h *Handler) unfinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := studyID(w, r)
	if !ok {
		return
	}
	var body requestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := h.svc.Unfinalize(r.Context(), id, body.RequestedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeRun(w, ticket.Run)
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id, ok := studyID(w, r)
	if !ok {
		return
	}
	var body requestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := h.svc.Close(r.Context(), id, body.RequestedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeRun(w, ticket.Run)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (h *Handler) listRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": h.svc.ListRuns()})
}

func studyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid study id")
		return 0, false
	}
	return id, true
}

// decodeBody accepts an empty body.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeRun answers 202 for queued runs and 200 for runs that completed
// without being queued.
func writeRun(w http.ResponseWriter, run runner.Run) {
	status := http.StatusAccepted
	if run.Status.Done() {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"run": run})
}

func statusFor(err error) int {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoJobs):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStudyClosed),
		errors.Is(err, domain.ErrStudyFinalized),
		errors.Is(err, domain.ErrStudyNotFinalized),
		errors.Is(err, domain.ErrJobNotEligible),
		errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, runner.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
