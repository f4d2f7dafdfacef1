// Package server exposes batch status, statistics, cancellation and
// Prometheus metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/enrich"
	"github.com/sells-group/payee-cli/internal/ingest"
	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/pipeline"
	"github.com/sells-group/payee-cli/internal/store"
)

// Pipeline is the part of pipeline.Runner the server drives.
type Pipeline interface {
	Submit(ctx context.Context, job pipeline.Job) (string, error)
	Cancel(batchID string) error
	Running() []string
}

// Config holds listener and CORS settings plus the default module toggles
// for submitted batches.
type Config struct {
	Port           int
	AllowedOrigins []string
	Modules        enrich.Options
}

// Server is the HTTP status surface.
type Server struct {
	store    store.Store
	pipeline Pipeline
	metrics  *metrics.Metrics
	cfg      Config
	router   chi.Router
	log      *zap.Logger
}

// New creates a Server and registers its routes.
func New(st store.Store, p Pipeline, m *metrics.Metrics, cfg Config) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Modules.Enabled == nil {
		cfg.Modules = enrich.AllEnabled()
	}
	s := &Server{
		store:    st,
		pipeline: p,
		metrics:  m,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "server")),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", s.handleListBatches)
		r.Post("/", s.handleSubmit)
		r.Get("/running", s.handleRunning)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetBatch)
			r.Delete("/", s.handleDeleteBatch)
			r.Get("/stats", s.handleStats)
			r.Post("/cancel", s.handleCancel)
		})
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("starting server", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type batchView struct {
	*model.Batch
	Progress float64 `json:"progress"`
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BatchFilter{Status: model.BatchStatus(q.Get("status"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	batches, err := s.store.ListBatches(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list batches", err)
		return
	}
	out := make([]batchView, len(batches))
	for i := range batches {
		out[i] = batchView{Batch: &batches[i], Progress: batches[i].Progress()}
	}
	writeJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	Path    string   `json:"path"`
	Column  string   `json:"column"`
	Sheet   int      `json:"sheet"`
	Disable []string `json:"disable"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	disabled, err := enrich.ParseModules(req.Disable)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.pipeline.Submit(r.Context(), pipeline.Job{
		Path:    req.Path,
		Ingest:  ingest.Options{Column: req.Column, SheetIndex: req.Sheet},
		Modules: s.cfg.Modules.Without(disabled...),
	})
	if err != nil {
		s.internalError(w, "submit batch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "batch_id": id})
}

func (s *Server) handleRunning(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"batch_ids": s.pipeline.Running()})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, batchView{Batch: b, Progress: b.Progress()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetBatch(r.Context(), id); err != nil {
		s.storeError(w, "get batch", err)
		return
	}
	stats, err := s.store.BatchStats(r.Context(), id)
	if err != nil {
		s.internalError(w, "batch stats", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*model.BatchStats
		MatchRate float64 `json:"match_rate"`
	}{stats, stats.MatchRate()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pipeline.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			writeError(w, http.StatusConflict, "batch is not running in this process")
			return
		}
		s.internalError(w, "cancel batch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "batch_id": id})
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteBatch(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, "delete batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.internalError(w, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("server: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
