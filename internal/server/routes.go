package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/chat-bridge/internal/bridge"
	"github.com/workspace/chat-bridge/internal/transcript"
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"childState": string(s.ctl.State()),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleStatus reports the full runtime picture: child process state,
// queue depth, active context, and per-channel activity.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Stats()
	if err != nil {
		slog.Error("Loading channel stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load channel stats")
		return
	}

	response := map[string]interface{}{
		"childState":      string(s.ctl.State()),
		"childRunning":    s.ctl.IsRunning(),
		"queueDepth":      s.coord.QueueDepth(),
		"activeContext":   s.coord.ActiveContext(),
		"lastContextPath": s.coord.LastContextPath(),
		"channels":        stats,
	}
	if s.ctl.IsRunning() {
		response["childPid"] = s.ctl.Pid()
		response["childStartedAt"] = s.ctl.StartedAt().UTC().Format(time.RFC3339)
	}
	if t := s.ctl.LastRestart(); !t.IsZero() {
		response["lastRestart"] = t.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}

// hookRequest is the callback body posted when the child finishes a
// response. Either text or transcriptPath must carry the content.
type hookRequest struct {
	ChannelID      string `json:"channelId,omitempty"`
	Text           string `json:"text,omitempty"`
	TranscriptPath string `json:"transcriptPath,omitempty"`
	Event          string `json:"event,omitempty"`
}

// handleHook receives completion callbacks and routes them back to the
// chat platform.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Only completion events carry a finished response; everything else
	// is acknowledged and dropped so hook chains keep working.
	if req.Event != "" && req.Event != "Stop" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not a completion event"})
		return
	}

	text := req.Text
	if strings.TrimSpace(text) == "" && req.TranscriptPath != "" {
		extracted, err := transcript.LastAssistantMessage(req.TranscriptPath)
		if err != nil {
			slog.Warn("Transcript extraction failed", "path", req.TranscriptPath, "error", err)
			writeError(w, http.StatusBadRequest, "could not extract text from transcript")
			return
		}
		text = extracted
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "callback has no text")
		return
	}

	outcome, err := s.coord.HandleCallback(r.Context(), req.ChannelID, text)
	if err != nil {
		if errors.Is(err, bridge.ErrCorrelationMiss) {
			slog.Warn("Dropping callback with no resolvable channel")
			writeJSON(w, http.StatusOK, map[string]string{"status": "dropped", "reason": "no active context"})
			return
		}
		slog.Error("Callback dispatch failed", "error", err)
		writeError(w, http.StatusBadGateway, "dispatch to chat platform failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// handleRestart restarts the child process on operator request. This is
// the only way out of the degraded state.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	slog.Info("Operator requested child restart", "remote", r.RemoteAddr)
	if err := s.ctl.Restart(); err != nil {
		slog.Error("Child restart failed", "error", err)
		writeError(w, http.StatusInternalServerError, "restart failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "restarted",
		"pid":    s.ctl.Pid(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
