// Package httpapi serves the job API over HTTP and streams live progress
// over WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/jobs"
)

const maxBodyBytes = 64 << 10

// Coordinator is the part of jobs.Service the HTTP layer needs.
type Coordinator interface {
	CreateJob(ctx context.Context, req jobs.CreateRequest) (entity.Job, error)
	GetJob(ctx context.Context, id string) (entity.Job, error)
	ListJobs(ctx context.Context, limit int) ([]entity.Job, error)
	RegenerateFormatting(ctx context.Context, id string) (entity.Job, error)
	Attach(ctx context.Context, id string) (<-chan hub.Event, func(), error)
}

// Exporter renders recent jobs as a workbook.
type Exporter interface {
	ExportJobsXLSX(ctx context.Context, limit int) ([]byte, error)
}

type Config struct {
	CORSOrigins []string
	// Health is probed by /healthz; nil always reports ok.
	Health   func(ctx context.Context) error
	Gatherer prometheus.Gatherer
}

type API struct {
	jobs   Coordinator
	export Exporter
	cfg    Config
	logger *slog.Logger
}

func New(c Coordinator, export Exporter, cfg Config, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{jobs: c, export: export, cfg: cfg, logger: logger}
}

// Router returns the HTTP handler for every route.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.healthz)
	if a.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", a.createJob)
		r.Get("/jobs", a.listJobs)
		r.Get("/jobs/export.xlsx", a.exportJobs)
		r.Get("/jobs/{id}", a.getJob)
		r.Post("/jobs/{id}/regenerate", a.regenerate)
		r.Get("/ws/jobs/{id}", a.watchJob)
	})
	return r
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, r, common.Validationf("read body: %v", err))
		return
	}
	req, err := jobs.DecodeCreateRequest(body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	job, err := a.jobs.CreateJob(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	list, err := a.jobs.ListJobs(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []entity.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) regenerate(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.RegenerateFormatting(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) exportJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	b, err := a.export.ExportJobsXLSX(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	name := "jobs-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := a.cfg.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, common.Validationf("limit must be a non-negative integer")
	}
	return n, nil
}

// StatusCode maps an error kind onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch common.Kind(err) {
	case common.ErrNotFound:
		return http.StatusNotFound
	case common.ErrValidation:
		return http.StatusBadRequest
	case common.ErrPreconditionFailed:
		return http.StatusConflict
	case common.ErrPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	log := a.logger.With("request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path)
	msg := err.Error()
	if code >= 500 {
		log.Error("http.request.failed", "status", code, "error", err)
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		log.Debug("http.request.rejected", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
