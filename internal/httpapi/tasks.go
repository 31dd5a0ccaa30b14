package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/service"
	"github.com/toralehq/torale/internal/store"
)

type createTaskRequest struct {
	Name        string               `json:"name"`
	Schedule    string               `json:"schedule"`
	SearchQuery string               `json:"search_query"`
	Condition   string               `json:"condition_description"`
	Behavior    store.NotifyBehavior `json:"notify_behavior"`
	Config      map[string]string    `json:"config"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	task, err := s.svc.Create(r.Context(), service.CreateTaskInput{
		UserID:      userID,
		Name:        req.Name,
		Schedule:    req.Schedule,
		SearchQuery: req.SearchQuery,
		Condition:   req.Condition,
		Behavior:    req.Behavior,
		Config:      req.Config,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	activeOnly := r.URL.Query().Get("active") == "true"
	tasks, err := s.svc.List(r.Context(), userID, activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.svc.Get(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch store.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.svc.Update(r.Context(), userID, id, patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), userID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runTaskRequest struct {
	SuppressNotifications bool `json:"suppress_notifications"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req runTaskRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	execID, err := s.svc.RunNow(r.Context(), userID, id, req.SuppressNotifications)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID.String()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Pause(r.Context(), userID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Resume(r.Context(), userID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.svc.ListExecutions(r.Context(), userID, id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if execs == nil {
		execs = []store.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	exec, err := s.svc.GetExecution(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
