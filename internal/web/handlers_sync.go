package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"meshlink/internal/syncbridge"
)

func (s *Server) syncEnabled(w http.ResponseWriter) bool {
	if s.sync == nil {
		s.writeError(w, http.StatusNotFound, "sync not configured")
		return false
	}
	return true
}

func (s *Server) handleAPISyncStatus(w http.ResponseWriter, r *http.Request) {
	if !s.syncEnabled(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.sync.Status())
}

// handleAPISyncNow asks the authority for changes. The body is optional:
// {"types": ["note"]} narrows the request.
func (s *Server) handleAPISyncNow(w http.ResponseWriter, r *http.Request) {
	if !s.syncEnabled(w) {
		return
	}
	st := s.sync.Status()
	if st.Role != syncbridge.RoleDevice {
		s.writeError(w, http.StatusConflict, "the authority does not pull")
		return
	}
	var req struct {
		Types []string `json:"types"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.sync.RequestSync(st.Authority, req.Types); err != nil {
		s.logger.Warn("sync request", "err", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested", "cursor": st.Cursor})
}

func (s *Server) handleAPISyncItems(w http.ResponseWriter, r *http.Request) {
	if !s.syncEnabled(w) {
		return
	}
	items, err := s.sync.Items(r.URL.Query()["type"]...)
	if err != nil {
		s.logger.Error("list sync items", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if items == nil {
		items = []syncbridge.Item{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

type commitRequest struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleAPISyncCommit(w http.ResponseWriter, r *http.Request) {
	if !s.syncEnabled(w) {
		return
	}
	var req commitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "id and type are required")
		return
	}
	v, err := s.sync.Commit(req.ID, req.Type, req.Data)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID, "version": v})
}

func (s *Server) handleAPISyncRemove(w http.ResponseWriter, r *http.Request) {
	if !s.syncEnabled(w) {
		return
	}
	id := r.PathValue("id")
	v, err := s.sync.Remove(id)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "version": v})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, syncbridge.ErrNotAuthority) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Error("sync commit", "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}
