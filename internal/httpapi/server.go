// Package httpapi exposes task management over REST. Identity arrives as
// an X-User-ID header set by the deployment's auth proxy; the engine does
// not authenticate users itself.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/toralehq/torale/internal/service"
	"github.com/toralehq/torale/internal/store"
)

const userIDHeader = "X-User-ID"

// Server wires the task service into an http.Server.
type Server struct {
	svc  *service.TaskService
	addr string
	srv  *http.Server
}

func NewServer(svc *service.TaskService, addr string) *Server {
	s := &Server{svc: svc, addr: addr}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/tasks", s.withUser(s.handleCreate))
	mux.HandleFunc("GET /v1/tasks", s.withUser(s.handleList))
	mux.HandleFunc("GET /v1/tasks/{id}", s.withUser(s.handleGet))
	mux.HandleFunc("PATCH /v1/tasks/{id}", s.withUser(s.handleUpdate))
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.withUser(s.handleDelete))
	mux.HandleFunc("POST /v1/tasks/{id}/run", s.withUser(s.handleRun))
	mux.HandleFunc("POST /v1/tasks/{id}/pause", s.withUser(s.handlePause))
	mux.HandleFunc("POST /v1/tasks/{id}/resume", s.withUser(s.handleResume))
	mux.HandleFunc("GET /v1/tasks/{id}/executions", s.withUser(s.handleListExecutions))
	mux.HandleFunc("GET /v1/executions/{id}", s.withUser(s.handleGetExecution))
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("http api listening", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains inflight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the underlying handler, used by tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userIDHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "X-User-ID header required")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
