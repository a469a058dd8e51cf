package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/agentd/internal/output"
	"github.com/opencode-ai/agentd/internal/session"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Directory string `json:"directory"`
	Title     string `json:"title,omitempty"`
	Model     string `json:"model,omitempty"`
}

// SendMessageRequest represents the request body for executing a prompt.
type SendMessageRequest struct {
	Prompt string `json:"prompt"`
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()

	// Ensure we return an empty array [] instead of null
	if sessions == nil {
		sessions = []session.Summary{}
	}

	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	if req.Directory == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "directory is required")
		return
	}

	summary, err := s.manager.Create(r.Context(), req.Directory, req.Title, req.Model)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, summary)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	summary, err := s.manager.Get(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// sendMessage handles POST /session/{sessionID}/message
//
// The execution is accepted, not awaited: 202 means the prompt is
// running and output will appear on the session's buffer.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	if err := s.manager.Execute(r.Context(), sessionID, req.Prompt); err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionID": sessionID,
		"status":    string(session.StatusRunning),
	})
}

// getOutput handles GET /session/{sessionID}/output
//
// Query parameters max_events and max_bytes bound the returned suffix
// of the transcript; zero or absent means unbounded.
func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	maxEvents, ok := intQuery(w, r, "max_events")
	if !ok {
		return
	}
	maxBytes, ok := intQuery(w, r, "max_bytes")
	if !ok {
		return
	}

	events, err := s.manager.GetOutput(sessionID, maxEvents, maxBytes)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if events == nil {
		events = []output.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionID": sessionID,
		"events":    events,
	})
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.manager.Destroy(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}

	writeSuccess(w)
}

// intQuery parses a non-negative integer query parameter, writing the
// error response itself on failure.
func intQuery(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
