package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/config"
	"github.com/cyderes/bili-ingest/internal/export"
	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/models"
	"github.com/cyderes/bili-ingest/internal/storage"
)

const defaultLimit = 10

// Server handles HTTP requests
type Server struct {
	config   config.ServerConfig
	storage  storage.Storage
	exporter *export.Exporter
	logger   *log.Logger
	server   *http.Server
	now      func() time.Time
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, store storage.Storage, loc *time.Location, logger *log.Logger) *Server {
	logger = logging.OrDiscard(logger).WithPrefix("server")
	s := &Server{
		config:   cfg,
		storage:  store,
		exporter: export.NewExporter(store, loc, logger),
		logger:   logger,
		now:      time.Now,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Routes returns the router serving the read-only API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/videos", s.handleVideos)
	r.Get("/videos/{bvid}", s.handleVideoByID)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

// handleVideos lists rows of one table with the same filters as export.
func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}
	desc, _ := strconv.ParseBool(q.Get("desc"))

	table, query, err := s.exporter.Resolve(r.Context(), export.Options{
		Table:  q.Get("table"),
		Start:  q.Get("start"),
		End:    q.Get("end"),
		Type:   q.Get("type"),
		SortBy: q.Get("sort"),
		Desc:   desc,
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, "failed to resolve query", err)
		return
	}

	videos, err := s.storage.ReadAll(r.Context(), table, query)
	if err != nil {
		s.writeError(w, "failed to retrieve videos", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"table":  table.Name,
		"videos": videos,
		"count":  len(videos),
		"limit":  limit,
	})
}

// handleVideoByID returns the primary record and its bucket snapshots.
func (s *Server) handleVideoByID(w http.ResponseWriter, r *http.Request) {
	bvid := chi.URLParam(r, "bvid")
	if bvid == "" {
		http.Error(w, "Invalid video ID", http.StatusBadRequest)
		return
	}

	tables, err := s.storage.Tables(r.Context())
	if err != nil {
		s.writeError(w, "failed to list tables", err)
		return
	}

	var video *models.Video
	snapshots := []models.Video{}

	if slices.Contains(tables, storage.VideosTableName) {
		rows, err := s.storage.ReadAll(r.Context(), storage.VideosTable, storage.Query{BVID: bvid, Limit: 1})
		if err != nil {
			s.writeError(w, "failed to retrieve video", err)
			return
		}
		if len(rows) > 0 {
			video = &rows[0]
		}
	}
	if slices.Contains(tables, storage.TypesTableName) {
		rows, err := s.storage.ReadAll(r.Context(), storage.TypesTable, storage.Query{BVID: bvid, SortBy: storage.ColFetchTimestamp})
		if err != nil {
			s.writeError(w, "failed to retrieve snapshots", err)
			return
		}
		snapshots = append(snapshots, rows...)
	}

	if video == nil && len(snapshots) == 0 {
		http.Error(w, "Video not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"video":     video,
		"snapshots": snapshots,
	})
}

// handleStatus reports the most recent crawl run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.storage.LastRun(r.Context())
	if err != nil {
		s.writeError(w, "failed to retrieve status", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeError(w http.ResponseWriter, msg string, err error) {
	if apperr.Is(err, apperr.KindValidation) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Error(msg, "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("%s: %v", msg, err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
