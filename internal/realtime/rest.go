package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ptyhive/internal/classify"
	"ptyhive/internal/protocol"
	"ptyhive/internal/session"
)

// defaultTailBytes is how much output GET /sessions/{id}/output returns
// without an offset.
const defaultTailBytes = 64 * 1024

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

type sessionResponse struct {
	session.Info
	Prompt *classify.Event `json:"prompt,omitempty"`
}

type outputResponse struct {
	SessionID string `json:"sessionId"`
	Offset    uint64 `json:"offset"`
	Next      uint64 `json:"next"`
	Data      string `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeSessionError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	writeError(w, status, code, err.Error())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if cfg.WorkDir == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "workDir is required")
		return
	}

	info, err := s.sessionMgr.Create(r.Context(), cfg)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	// Broadcast to WebSocket clients.
	s.broadcast(protocol.TypeSessionUpdate, updatePayload(info))

	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.sessionMgr.Get(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	resp := sessionResponse{Info: info}
	if info.State != session.StateClosed {
		if ev, waiting, err := s.sessionMgr.Waiting(id); err == nil && waiting {
			resp.Prompt = &ev
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessionMgr.Close(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	s.broadcastSessionUpdate(id)

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if req.Data == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "data is required")
		return
	}

	if err := s.sessionMgr.Write(id, []byte(req.Data)); err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	if req.Rows == 0 || req.Cols == 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "rows and cols must be positive")
		return
	}

	if err := s.sessionMgr.Resize(id, req.Rows, req.Cols); err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessionMgr.Pause(id); err != nil {
		writeSessionError(w, err)
		return
	}
	s.broadcastSessionUpdate(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessionMgr.Resume(id); err != nil {
		writeSessionError(w, err)
		return
	}
	s.broadcastSessionUpdate(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleOutput returns buffered output. With ?offset=N it returns
// everything since N; otherwise the most recent tail.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		data   []byte
		offset uint64
		next   uint64
		err    error
	)
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "offset must be a non-negative integer")
			return
		}
		data, next, err = s.sessionMgr.ReadFrom(id, offset)
	} else {
		data, next, err = s.sessionMgr.Tail(id, defaultTailBytes)
		offset = next - uint64(len(data))
	}

	if err != nil {
		if errors.Is(err, session.ErrOffsetExpired) {
			// next is the oldest offset still retained.
			writeJSON(w, http.StatusGone, map[string]any{
				"error":  err.Error(),
				"code":   protocol.ErrOffsetExpired,
				"oldest": next,
			})
			return
		}
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, outputResponse{
		SessionID: id,
		Offset:    offset,
		Next:      next,
		Data:      string(data),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		session.Stats
		Clients int `json:"clients"`
	}{s.sessionMgr.Stats(), s.ClientCount()}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.Metrics())
}
