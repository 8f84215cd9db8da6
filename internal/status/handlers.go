package status

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lurker/internal/platform"
	"lurker/internal/platform/local"
	"lurker/internal/storage"
)

const maxRunsLimit = 500

// MissionStatus merges the coordinator and platform views of one mission.
type MissionStatus struct {
	Identifier string             `json:"identifier"`
	Category   string             `json:"category"`
	Pending    *local.PendingInfo `json:"pending,omitempty"`
	Running    *local.RunningInfo `json:"running,omitempty"`
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.platform != nil {
		ps := s.platform.Snapshot()
		if !ps.Started || ps.Stopped {
			data["status"] = "degraded"
		}
	}
	respondOK(w, RequestIDFromContext(r.Context()), data)
}

// GET /missions
func (s *Server) handleMissions(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	out := make([]MissionStatus, 0, len(snap.Missions))
	var ps local.Snapshot
	if s.platform != nil {
		ps = s.platform.Snapshot()
	}
	for _, m := range snap.Missions {
		st := MissionStatus{Identifier: m.Identifier, Category: m.Category}
		for i := range ps.Pending {
			if ps.Pending[i].Identifier == m.Identifier {
				st.Pending = &ps.Pending[i]
			}
		}
		for i := range ps.Running {
			if ps.Running[i].Identifier == m.Identifier {
				st.Running = &ps.Running[i]
			}
		}
		out = append(out, st)
	}
	respondOK(w, RequestIDFromContext(r.Context()), out)
}

// GET /snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"coordinator": s.coord.Snapshot(),
	}
	if s.platform != nil {
		data["platform"] = s.platform.Snapshot()
	}
	if s.busStats != nil {
		data["bus"] = s.busStats()
	}
	for name, fn := range s.extra {
		data[name] = fn()
	}
	respondOK(w, RequestIDFromContext(r.Context()), data)
}

// GET /runs?mission=&limit=
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.runs == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, CodeUnavail, "storage disabled")
		return
	}
	q := storage.Query{Mission: strings.TrimSpace(r.URL.Query().Get("mission"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			respondError(w, reqID, http.StatusBadRequest, CodeValidation,
				"limit must be an integer between 1 and "+strconv.Itoa(maxRunsLimit))
			return
		}
		q.Limit = n
	}
	runs, err := s.runs.RecentRuns(r.Context(), q)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	respondOK(w, reqID, runs)
}

// POST /missions/{id}/launch
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.missionParam(w, r)
	if !ok {
		return
	}
	taskID, err := s.platform.Launch(id)
	if err != nil {
		s.respondPlatformError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]string{"identifier": id, "task_id": taskID})
}

// POST /missions/{id}/expire
func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := s.missionParam(w, r)
	if !ok {
		return
	}
	if err := s.platform.Expire(id); err != nil {
		s.respondPlatformError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]string{"identifier": id, "expired": "signalled"})
}

// missionParam resolves {id} against the registered missions.
func (s *Server) missionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if s.platform == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, CodeUnavail, "no local platform")
		return "", false
	}
	for _, m := range s.coord.Snapshot().Missions {
		if m.Identifier == id {
			return id, true
		}
	}
	respondError(w, reqID, http.StatusNotFound, CodeNotFound, "mission not registered: "+id)
	return "", false
}

func (s *Server) respondPlatformError(w http.ResponseWriter, reqID string, err error) {
	switch {
	case errors.Is(err, platform.ErrUnknownIdentifier):
		respondError(w, reqID, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, local.ErrAlreadyRunning), errors.Is(err, local.ErrNotRunning):
		respondError(w, reqID, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, platform.ErrUnavailable):
		respondError(w, reqID, http.StatusServiceUnavailable, CodeUnavail, err.Error())
	default:
		respondError(w, reqID, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}
