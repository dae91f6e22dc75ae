// Package admin serves the operational HTTP surface: health, storage
// status, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftlake/deltawal/internal/logger"
	"github.com/driftlake/deltawal/pkg/metrics"
	"github.com/driftlake/deltawal/pkg/storage"
)

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	storage    *storage.Storage
}

// New creates an admin server bound to addr, exposing st's state.
func New(addr string, st *storage.Storage) *Server {
	s := &Server{storage: st}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/statusz", s.handleStatus)
	r.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info("admin server listening", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// statusResponse is the /statusz payload.
type statusResponse struct {
	CacheActiveBytes   int64 `json:"cache_active_bytes"`
	CacheArchivedBytes int64 `json:"cache_archived_bytes"`
	CacheBlocks        int   `json:"cache_archived_blocks"`
	WALConfirmOffset   int64 `json:"wal_confirm_offset"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.storage.Cache().Snapshot()
	resp := statusResponse{
		CacheActiveBytes:   snap.ActiveBytes,
		CacheArchivedBytes: snap.ArchivedBytes,
		CacheBlocks:        snap.ArchivedBlocks,
		WALConfirmOffset:   snap.ConfirmOffset,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("encode status response", "error", err)
	}
}
