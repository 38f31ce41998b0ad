package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"postbot/internal/schedule"
	logx "postbot/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":      s.d.Queue.Len(),
		"processing":  s.d.Queue.Processing(),
		"concurrency": s.d.Concurrency.Concurrency(),
		"session":     s.d.Session.Exists(),
	})
}

type concurrencyRequest struct {
	Value int `json:"value"`
}

func (s *Server) handleGetConcurrency(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, concurrencyRequest{Value: s.d.Concurrency.Concurrency()})
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := s.d.Concurrency.SetConcurrency(req.Value); err != nil {
		writeDomainErr(w, err)
		return
	}
	s.log.Info("concurrency changed", logx.Int("value", req.Value))
	writeJSON(w, http.StatusOK, concurrencyRequest{Value: s.d.Concurrency.Concurrency()})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"loggedIn": s.d.Session.Exists()})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	if err := s.d.Session.Logout(); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedIn": false})
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.d.Schedules == nil {
		writeJSON(w, http.StatusOK, map[string]any{"schedules": []schedule.Entry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.d.Schedules.Snapshot()})
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	if s.d.Schedules == nil {
		writeDomainErr(w, fmt.Errorf("%w: %s", schedule.ErrUnknown, chi.URLParam(r, "name")))
		return
	}
	id, err := s.d.Schedules.RunNow(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

// handleLogs streams log entries as server-sent events until the client leaves.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.d.Logs == nil {
		writeErr(w, http.StatusNotFound, errors.New("log stream disabled"))
		return
	}
	rc := http.NewResponseController(w)
	entries, cancel := s.d.Logs.Subscribe(128)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
