package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/timeguard/internal/model"
	"github.com/seantiz/timeguard/internal/store"
)

// handleStreamLogs streams a task's log lines as server-sent events and ends
// with a "done" event whose data is the task's final status. A finished task
// gets its stored history instead of a live stream.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for SSE", "error", err)
	}
	flush := func() { _ = rc.Flush() }

	if model.IsTerminal(t.Status) {
		w.WriteHeader(http.StatusOK)
		if s.replayLogs(w, r, id) == nil {
			_ = writeSSEEvent(w, "done", t.Status)
		}
		flush()
		return
	}

	// A task finishing between GetTask and Subscribe has no topic left;
	// the history replay below covers it.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flush()

	delivered := 0
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				if delivered == 0 && s.replayLogs(w, r, id) != nil {
					return
				}
				_ = writeSSEEvent(w, "done", s.finalStatus(r, id))
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			delivered++
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// replayLogs writes the stored lines of a task as data events.
func (s *Server) replayLogs(w http.ResponseWriter, r *http.Request, id string) error {
	lines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines for stream", "task_id", id, "error", err)
		return err
	}
	for _, l := range lines {
		if err := writeSSEData(w, l.Line); err != nil {
			return err
		}
	}
	return nil
}

// finalStatus re-reads the task once its stream has closed.
func (s *Server) finalStatus(r *http.Request, id string) string {
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get task after stream", "task_id", id, "error", err)
		return "unknown"
	}
	return t.Status
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/tasks/{id}/logs/history.
type logHistoryResponse struct {
	TaskID string           `json:"task_id"`
	Lines  []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for log history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		TaskID: id,
		Lines:  lines,
	})
}

// writeSSEData writes line as one data event, one "data:" field per
// embedded newline.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func writeSSEEvent(w http.ResponseWriter, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
