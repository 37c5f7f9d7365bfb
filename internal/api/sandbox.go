package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailcast/internal/sandbox"
)

// SandboxMessageResponse represents a sandbox message in API responses
type SandboxMessageResponse struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	Provider     string    `json:"provider"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Size         int       `json:"size"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []SandboxMessageResponse `json:"messages"`
	Count    int                      `json:"count"`
}

func toSandboxResponse(msg *sandbox.Message) SandboxMessageResponse {
	return SandboxMessageResponse{
		ID:           msg.ID,
		MessageID:    msg.MessageID,
		Provider:     msg.Provider,
		CampaignID:   msg.CampaignID,
		From:         msg.From,
		To:           msg.To,
		Subject:      msg.Subject,
		Size:         len(msg.Data),
		CapturedAt:   msg.CapturedAt,
		SimulatedErr: msg.SimulatedErr,
	}
}

func (s *Server) sandboxAvailable(w http.ResponseWriter) bool {
	if s.deps.Sandbox == nil {
		s.sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return false
	}
	return true
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	limit, ok := queryInt(r, "limit", 100, 1000)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := queryInt(r, "offset", 0, 1000000)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	q := r.URL.Query()
	messages, err := s.deps.Sandbox.List(r.Context(), sandbox.ListFilter{
		ProviderID: q.Get("provider_id"),
		CampaignID: q.Get("campaign_id"),
		To:         q.Get("to"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	resp := SandboxListResponse{Messages: make([]SandboxMessageResponse, 0, len(messages))}
	for _, msg := range messages {
		resp.Messages = append(resp.Messages, toSandboxResponse(msg))
	}
	resp.Count = len(resp.Messages)

	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) sandboxMessage(w http.ResponseWriter, r *http.Request) (*sandbox.Message, bool) {
	if !s.sandboxAvailable(w) {
		return nil, false
	}

	id := chi.URLParam(r, "id")
	msg, err := s.deps.Sandbox.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get sandbox message", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get message")
		return nil, false
	}
	if msg == nil {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return nil, false
	}
	return msg, true
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.sandboxMessage(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, toSandboxResponse(msg))
}

// handleSandboxRaw handles GET /api/v1/sandbox/messages/{id}/raw
func (s *Server) handleSandboxRaw(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.sandboxMessage(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+msg.ID+".eml\"")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
// An optional ?before=RFC3339 keeps newer messages.
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "before must be an RFC 3339 time")
			return
		}
		before = t
	}

	n, err := s.deps.Sandbox.Clear(r.Context(), before)
	if err != nil {
		s.logger.Error("failed to clear sandbox", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}

	s.logger.Info("sandbox cleared via API", "deleted", n)
	s.sendJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	if !s.sandboxAvailable(w) {
		return
	}

	stats, err := s.deps.Sandbox.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get sandbox stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}
