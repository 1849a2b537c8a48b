package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"avmed-detection/internal/usecase"
)

func (d *Deps) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		d.handleStartSession(w, r)
		return
	}
	if r.Method == http.MethodDelete {
		if err := d.Repo.ClearAllSessions(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "SESSIONS_CLEAR_FAILED", err.Error(), nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	f := usecase.SessionFilter{
		Mode:       r.URL.Query().Get("mode"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Limit:      limit,
		Offset:     offset,
	}
	items, total, err := d.Repo.ListSessions(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSIONS_LIST_FAILED", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "total": total})
}

func (d *Deps) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recording bool `json:"recording"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id, err := d.Svc.StartSession(r.Context(), d.Cfg.Mode, d.Cfg.RemoteURL, body.Recording)
	if err != nil {
		writeError(w, http.StatusConflict, "SESSION_START_FAILED", err.Error(), nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id})
}

func (d *Deps) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	// path: /api/sessions/{id}[/end]
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if tail, ok := strings.CutSuffix(id, "/end"); ok && r.Method == http.MethodPost {
		d.handleEndSession(w, r, tail)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
		return
	}
	if r.Method == http.MethodDelete {
		_ = d.Repo.DeleteSession(r.Context(), id)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rec, ok, err := d.Repo.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_GET_FAILED", err.Error(), map[string]any{"id": id})
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found", map[string]any{"id": id})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (d *Deps) handleEndSession(w http.ResponseWriter, r *http.Request, id string) {
	if d.Svc.CurrentSession() != id {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not active", map[string]any{"id": id})
		return
	}
	if err := d.Svc.EndSession(r.Context(), nil); err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_END_FAILED", err.Error(), map[string]any{"id": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLatestDetections exposes the newest completed detection set, the same
// data a camera caller sees.
func (d *Deps) handleLatestDetections(w http.ResponseWriter, r *http.Request) {
	dets := d.Svc.Latest()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessionId":  d.Svc.CurrentSession(),
		"detections": dets,
	})
}
