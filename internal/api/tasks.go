package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/timeguard/internal/config"
	"github.com/seantiz/timeguard/internal/engine"
	"github.com/seantiz/timeguard/internal/model"
	"github.com/seantiz/timeguard/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBatchSize     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// taskRequest is the JSON body describing one task.
type taskRequest struct {
	Name string   `json:"name"`
	Kind string   `json:"kind"`
	Args []string `json:"args"`

	// Timeout is a Go duration ("1.5s") or a number of seconds ("1.5").
	Timeout   string `json:"timeout"`
	TimeoutMS *int64 `json:"timeout_ms"`
}

// batchRequest is the JSON body for POST /v1/tasks/batch.
type batchRequest struct {
	Tasks []taskRequest `json:"tasks"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// batchResponse is the JSON response for POST /v1/tasks/batch.
type batchResponse struct {
	Tasks []*model.Task `json:"tasks"`
}

// toTask validates req and builds a task from it.
func (s *Server) toTask(req taskRequest) (*model.Task, error) {
	if req.Kind == "" {
		return nil, errors.New("kind is required")
	}
	if _, err := s.registry.Resolve(req.Kind); err != nil {
		return nil, err
	}

	t := &model.Task{
		ID:        model.NewID(),
		Name:      req.Name,
		Kind:      req.Kind,
		Args:      req.Args,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case req.Timeout != "" && req.TimeoutMS != nil:
		return nil, errors.New("set only one of timeout and timeout_ms")
	case req.Timeout != "":
		d, ok := config.ParseDuration(req.Timeout)
		if !ok {
			return nil, fmt.Errorf("invalid timeout %q", req.Timeout)
		}
		if d > 0 && d < model.MinTimeout {
			return nil, fmt.Errorf("timeout %q is below the minimum of %s", req.Timeout, model.MinTimeout)
		}
		if d > 0 {
			ms := d.Milliseconds()
			t.TimeoutMS = &ms
		}
	case req.TimeoutMS != nil:
		if *req.TimeoutMS < 0 {
			return nil, errors.New("timeout_ms must not be negative")
		}
		if *req.TimeoutMS > 0 {
			t.TimeoutMS = req.TimeoutMS
		}
	}
	return t, nil
}

// decodeTask reads and validates a single task from the request body.
// It writes the error response itself and reports whether decoding succeeded.
func (s *Server) decodeTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	var req taskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}

	t, err := s.toTask(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return t, true
}

// handleRunTask runs a task synchronously and responds with its final state.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.decodeTask(w, r)
	if !ok {
		return
	}

	// The task may outlive the server's default write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for sync task", "error", err)
	}

	done, err := s.engine.Run(r.Context(), t)
	if err != nil {
		s.logger.Error("run task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run task")
		return
	}

	s.writeJSON(w, http.StatusOK, done)
}

func (s *Server) handleAsyncTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.decodeTask(w, r)
	if !ok {
		return
	}

	if err := s.engine.Submit(r.Context(), t); err != nil {
		s.logger.Error("submit async task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleBatchTasks(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Tasks) == 0 {
		s.writeError(w, http.StatusBadRequest, "tasks must not be empty")
		return
	}
	if len(req.Tasks) > maxBatchSize {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d tasks per batch", maxBatchSize))
		return
	}

	tasks := make([]*model.Task, len(req.Tasks))
	for i, tr := range req.Tasks {
		t, err := s.toTask(tr)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("tasks[%d]: %v", i, err))
			return
		}
		tasks[i] = t
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for batch", "error", err)
	}

	done, err := s.engine.RunBatch(r.Context(), tasks)
	if err != nil {
		s.logger.Error("run batch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run batch")
		return
	}

	s.writeJSON(w, http.StatusOK, batchResponse{Tasks: done})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleKillTask requests cancellation of a running task. The task reaches
// status "killed" asynchronously.
func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Kill(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, engine.ErrNotRunning):
		s.writeError(w, http.StatusConflict, "task is not running")
		return
	case err != nil:
		s.logger.Error("kill task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to kill task")
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get killed task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, t)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
