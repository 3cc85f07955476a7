package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type AskRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
}

type ReloadResponse struct {
	Metrics    int `json:"metrics"`
	Dimensions int `json:"dimensions"`
	Tables     int `json:"tables"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) askHandler(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question is required"})
		return
	}

	resp, err := s.cfg.Pipeline.Ask(r.Context(), req.SessionID, req.Question)
	if err != nil {
		// The caller went away or the turn was cancelled; nothing was recorded.
		s.log.Info("server: ask cancelled", "session_id", req.SessionID, "error", err)
		if resp == nil {
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "request cancelled"})
			return
		}
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.cfg.Memory.Snapshot(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.cfg.Memory.Delete(id) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadRegistryHandler(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.Registry.Reload(); err != nil {
		s.log.Error("server: registry reload failed", "error", err)
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	c := s.cfg.Registry.Current()
	s.log.Info("server: registry reloaded", "metrics", len(c.Metrics), "dimensions", len(c.Dimensions))
	s.writeJSON(w, http.StatusOK, ReloadResponse{
		Metrics:    len(c.Metrics),
		Dimensions: len(c.Dimensions),
		Tables:     len(c.Tables),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
