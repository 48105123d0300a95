package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/seantiz/timeguard/internal/config"
	"github.com/seantiz/timeguard/internal/model"
	"github.com/seantiz/timeguard/internal/watchdog"
)

// watchedTask is one active registry entry in GET /v1/watchdog.
type watchedTask struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
	TimeoutMS   int64     `json:"timeout_ms"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	Expired     bool      `json:"expired"`
	Warned      bool      `json:"warned"`
	Interrupted bool      `json:"interrupted"`
}

// watchdogStatusResponse is the JSON response for GET /v1/watchdog.
type watchdogStatusResponse struct {
	Workers        int           `json:"workers"`
	PollIntervalMS int64         `json:"poll_interval_ms"`
	Tasks          []watchedTask `json:"tasks"`
}

// settingsResponse mirrors watchdog.Settings on the wire.
type settingsResponse struct {
	DefaultTimeoutMS  int64 `json:"default_timeout_ms"`
	ContinueOnTimeout bool  `json:"continue_on_timeout"`
}

// updateSettingsRequest is the JSON body for PUT /v1/watchdog/settings.
// Absent fields are left unchanged; an empty default_timeout clears it.
type updateSettingsRequest struct {
	DefaultTimeout    *string `json:"default_timeout"`
	ContinueOnTimeout *bool   `json:"continue_on_timeout"`
}

func toSettingsResponse(s watchdog.Settings) settingsResponse {
	return settingsResponse{
		DefaultTimeoutMS:  s.DefaultTimeout.Milliseconds(),
		ContinueOnTimeout: s.ContinueOnTimeout,
	}
}

func (s *Server) handleWatchdogStatus(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	entries := s.watchdog.Snapshot()

	tasks := make([]watchedTask, len(entries))
	for i, e := range entries {
		tasks[i] = watchedTask{
			ID:          string(e.ID),
			Description: e.Description,
			StartedAt:   e.Start.UTC(),
			TimeoutMS:   e.Timeout.Milliseconds(),
			ElapsedMS:   e.Elapsed(now).Milliseconds(),
			Expired:     e.Expired(now),
			Warned:      e.Warned,
			Interrupted: e.Interrupted,
		}
	}

	s.writeJSON(w, http.StatusOK, watchdogStatusResponse{
		Workers:        s.watchdog.Workers(),
		PollIntervalMS: s.watchdog.PollInterval().Milliseconds(),
		Tasks:          tasks,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, toSettingsResponse(s.watchdog.Settings()))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var defaultTimeout time.Duration
	if req.DefaultTimeout != nil && *req.DefaultTimeout != "" {
		d, ok := config.ParseDuration(*req.DefaultTimeout)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid default_timeout")
			return
		}
		if d > 0 && d < model.MinTimeout {
			s.writeError(w, http.StatusBadRequest, "default_timeout is below the minimum of "+model.MinTimeout.String())
			return
		}
		defaultTimeout = d
	}

	updated := s.watchdog.Configure(func(st *watchdog.Settings) {
		if req.DefaultTimeout != nil {
			st.DefaultTimeout = defaultTimeout
		}
		if req.ContinueOnTimeout != nil {
			st.ContinueOnTimeout = *req.ContinueOnTimeout
		}
	})

	s.logger.Info("watchdog settings updated",
		"default_timeout", updated.DefaultTimeout,
		"continue_on_timeout", updated.ContinueOnTimeout,
	)
	s.writeJSON(w, http.StatusOK, toSettingsResponse(updated))
}
