package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/internal/sessions"
	"github.com/haasonsaas/datachat/pkg/models"
)

// GenericErrorMessage is the only detail clients see when a turn fails.
const GenericErrorMessage = "An error occurred while processing your request."

type chatResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"sessionId"`
}

type resetResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

type historyResponse struct {
	SessionID string           `json:"sessionId"`
	Messages  []models.Message `json:"messages"`
}

type healthResponse struct {
	Status         string         `json:"status"`
	ActiveSessions int            `json:"activeSessions"`
	Uptime         string         `json:"uptime"`
	Version        string         `json:"version,omitempty"`
	Components     map[string]any `json:"components,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeRequest(r.Body, "chat", &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	answer, sessionID, err := s.chat(r.Context(), req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, sessions.ErrLockTimeout) {
			writeError(w, http.StatusConflict, "session is busy, try again")
			return
		}
		writeError(w, http.StatusInternalServerError, GenericErrorMessage)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Answer: answer, SessionID: sessionID})
}

// chat runs one turn under the session lock. An empty sessionID starts a
// new session.
func (s *Server) chat(ctx context.Context, sessionID, message string) (string, string, error) {
	if sessionID == "" {
		sessionID = s.sessions.NewID()
	}
	ctx = observability.AddSessionID(ctx, sessionID)

	if err := s.locker.Lock(ctx, sessionID); err != nil {
		s.logger.Warn(ctx, "session lock failed", "error", err)
		return "", sessionID, err
	}
	defer s.locker.Unlock(sessionID)

	engine := s.sessions.Resolve(sessionID)
	answer, err := engine.Chat(ctx, message)
	if err != nil {
		s.logger.Error(ctx, "chat failed", "error", err)
		return "", sessionID, err
	}
	return answer, sessionID, nil
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeRequest(r.Body, "reset", &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.reset(r.Context(), req.SessionID); err != nil {
		if errors.Is(err, sessions.ErrLockTimeout) {
			writeError(w, http.StatusConflict, "session is busy, try again")
			return
		}
		writeError(w, http.StatusInternalServerError, GenericErrorMessage)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Success: true, SessionID: req.SessionID})
}

// reset clears history for a live session under the session lock, so it
// waits for a running turn. Unknown ids are acknowledged without creating
// anything.
func (s *Server) reset(ctx context.Context, sessionID string) error {
	engine, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	if err := s.locker.Lock(ctx, sessionID); err != nil {
		s.logger.Warn(ctx, "session lock failed", "session_id", sessionID, "error", err)
		return err
	}
	defer s.locker.Unlock(sessionID)
	engine.Reset()
	return nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if !ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "sessionId is malformed")
		return
	}
	engine, ok := s.sessions.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, Messages: engine.History()})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "sessionId is malformed")
		return
	}
	s.sessions.Destroy(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		ActiveSessions: s.sessions.Len(),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		Version:        s.config.Version,
		Timestamp:      time.Now().UTC(),
	}
	if len(s.health) > 0 {
		resp.Components = make(map[string]any, len(s.health))
		for name, report := range s.health {
			resp.Components[name] = report()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
