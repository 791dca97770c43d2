// Package api exposes the HTTP control surface for the pipeline service:
// health, metrics, manual stage triggers, and operator actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jvilhena/vigia/internal/config"
	"github.com/jvilhena/vigia/internal/dispatcher"
	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/metrics"
	"github.com/jvilhena/vigia/internal/middleware"

	"go.uber.org/zap"
)

// Server wires HTTP handlers to the dispatcher and store.
type Server struct {
	router     chi.Router
	store      incident.Store
	dispatcher *dispatcher.Dispatcher
	idGen      incident.IDGenerator
	clock      incident.Clock
	regions    []string
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store incident.Store,
	disp *dispatcher.Dispatcher,
	idGen incident.IDGenerator,
	clock incident.Clock,
	regions []string,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		dispatcher: disp,
		idGen:      idGen,
		clock:      clock,
		regions:    regions,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(idGen))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/discover", s.triggerDiscover)
		r.Post("/sweep", s.triggerSweep)

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Post("/retry", s.retrySource)
			})
		})

		r.Route("/regions", func(r chi.Router) {
			r.Get("/", s.listRegions)
			r.Post("/{region}/reset-sharding", s.resetSharding)
		})

		r.Get("/events/{event_id}", s.getUniqueEvent)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency of every stage.
	if _, err := s.store.ListRegionStats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

// status reports the queue depth and the most recently enqueued jobs.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	depth, err := s.dispatcher.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth": depth,
		"recent_jobs": s.dispatcher.Recent(),
	}, s.logger)
}

type discoverRequest struct {
	Region string `json:"region"`
}

// triggerDiscover enqueues discovery for one region, or all configured
// regions when the body names none.
func (s *Server) triggerDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
			return
		}
	}

	regions := s.regions
	if req.Region != "" {
		regions = []string{req.Region}
	}

	var jobIDs []string
	for _, region := range regions {
		id, err := s.enqueue(r.Context(), incident.Job{
			Stage:  incident.StageDiscover,
			Region: region,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
			return
		}
		jobIDs = append(jobIDs, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": jobIDs}, s.logger)
}

type sweepRequest struct {
	Stage string `json:"stage"`
	Limit int    `json:"limit"`
}

// triggerSweep enqueues a batch job that re-dispatches everything waiting in
// a stage's entry status.
func (s *Server) triggerSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}

	stage := incident.Stage(req.Stage)
	switch stage {
	case incident.StageDownload, incident.StageExtract, incident.StageEnrich:
	default:
		writeError(w, http.StatusBadRequest, "stage must be download, extract, or enrich", s.logger)
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.Pipeline.DefaultBatch
	}
	id, err := s.enqueue(r.Context(), incident.Job{Stage: stage, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id}, s.logger)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	if status := r.URL.Query().Get("status"); status != "" {
		sources, err := s.store.SourcesByStatus(r.Context(), incident.SourceStatus(status), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list sources", s.logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": sources}, s.logger)
		return
	}

	sources, err := s.store.RecentSources(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sources", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources}, s.logger)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "source_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id", s.logger)
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found", s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load source", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src}, s.logger)
}

// retrySource resets a failed Source to its stage entry status and enqueues a
// fresh job for it.
func (s *Server) retrySource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "source_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id", s.logger)
		return
	}

	status, err := s.store.ResetSourceForRetry(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found", s.logger)
		return
	}
	if errors.Is(err, incident.ErrInvalidRetry) {
		writeError(w, http.StatusConflict, "source is not in a failed status", s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset source", s.logger)
		return
	}

	stage := incident.StageDownload
	if status == incident.StatusReadyForExtraction {
		stage = incident.StageExtract
	}
	jobID, err := s.enqueue(r.Context(), incident.Job{Stage: stage, SourceID: id})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(status),
	}, s.logger)
}

func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ListRegionStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list regions", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": stats}, s.logger)
}

// resetSharding clears a region's sticky sharding flag. This is the only way
// the flag ever comes back down.
func (s *Server) resetSharding(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	err := s.store.ResetRegionSharding(r.Context(), region)
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "region not found", s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset sharding", s.logger)
		return
	}
	s.logger.Info("sharding flag reset", zap.String("region", region))
	writeJSON(w, http.StatusOK, map[string]string{"region": region, "needs_sharding": "false"}, s.logger)
}

func (s *Server) getUniqueEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "event_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id", s.logger)
		return
	}
	ue, err := s.store.GetUniqueEvent(r.Context(), id)
	if errors.Is(err, incident.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found", s.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load event", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ue}, s.logger)
}

func (s *Server) enqueue(ctx context.Context, job incident.Job) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job.ID = id
	job.EnqueuedAt = s.clock.Now()

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.dispatcher.Enqueue(queueCtx, job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
