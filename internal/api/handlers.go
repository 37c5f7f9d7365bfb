package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/foxzi/mailcast/internal/dispatch"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/orchestrator"
	"github.com/foxzi/mailcast/internal/repository"
	"github.com/foxzi/mailcast/internal/sandbox"
	"github.com/foxzi/mailcast/internal/selector"
	"github.com/foxzi/mailcast/internal/transport"
)

// ProviderStore reads and updates the provider registry
type ProviderStore interface {
	List(ctx context.Context, filter models.ProviderListFilter) ([]models.Provider, error)
	GetByID(ctx context.Context, id string) (*models.Provider, error)
	SetDefault(ctx context.Context, id string) error
}

// Prober tests provider connectivity
type Prober interface {
	TestConnection(ctx context.Context, p *models.Provider) transport.Probe
	TestAll(ctx context.Context) ([]selector.ProbeResult, error)
}

// FallbackSender sends one-off messages across providers
type FallbackSender interface {
	SendWithFallback(ctx context.Context, recipient models.Recipient, subject, html, text string, attachments []models.Attachment) (*dispatch.Result, error)
}

// CampaignReader loads campaigns
type CampaignReader interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
}

// CampaignControl checks and changes campaign runs
type CampaignControl interface {
	Check(ctx context.Context, campaignID string, opts orchestrator.StartOptions, resume bool) error
	Pause(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
}

// DeliveryQuery reads the delivery log
type DeliveryQuery interface {
	List(ctx context.Context, filter models.DeliveryListFilter) ([]models.DeliveryLogEntry, int, error)
	CampaignStats(ctx context.Context, campaignID string) (models.CampaignStats, error)
}

// SandboxStore reads captured sandbox messages
type SandboxStore interface {
	List(ctx context.Context, filter sandbox.ListFilter) ([]*sandbox.Message, error)
	Get(ctx context.Context, id string) (*sandbox.Message, error)
	Clear(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (*sandbox.Stats, error)
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Uptime          string `json:"uptime"`
	ActiveProviders int    `json:"active_providers"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// AttachmentRequest is an attachment with base64 content
type AttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// SendRequest is the request body for POST /send
type SendRequest struct {
	To          string              `json:"to"`
	Name        string              `json:"name,omitempty"`
	Subject     string              `json:"subject"`
	HTML        string              `json:"html,omitempty"`
	Text        string              `json:"text,omitempty"`
	Attachments []AttachmentRequest `json:"attachments,omitempty"`
}

// SendResponse is the response for POST /send
type SendResponse struct {
	EntryID    string `json:"entry_id"`
	TrackingID string `json:"tracking_id"`
	MessageID  string `json:"message_id"`
	Provider   string `json:"provider"`
	Status     string `json:"status"`
}

// FailedAttempt is one provider failure in a SendFailedResponse
type FailedAttempt struct {
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// SendFailedResponse is returned when every provider failed
type SendFailedResponse struct {
	Error    string          `json:"error"`
	Attempts []FailedAttempt `json:"attempts"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.startTime).Truncate(time.Second).String(),
	}

	if s.deps.Providers != nil {
		active, err := s.deps.Providers.List(r.Context(), models.ProviderListFilter{ActiveOnly: true})
		if err != nil {
			s.logger.Error("health check failed", "error", err)
			resp.Status = "degraded"
			s.sendJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.ActiveProviders = len(active)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	if req.To == "" {
		s.sendError(w, http.StatusBadRequest, "to is required")
		return
	}
	if _, err := mail.ParseAddress(req.To); err != nil {
		s.sendError(w, http.StatusBadRequest, "to is not a valid address")
		return
	}
	if req.Subject == "" {
		s.sendError(w, http.StatusBadRequest, "subject is required")
		return
	}
	if req.HTML == "" && req.Text == "" {
		s.sendError(w, http.StatusBadRequest, "html or text is required")
		return
	}

	attachments := make([]models.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		if a.Filename == "" {
			s.sendError(w, http.StatusBadRequest, "attachment filename is required")
			return
		}
		attachments = append(attachments, models.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	result, err := s.deps.Sender.SendWithFallback(r.Context(),
		models.Recipient{Email: req.To, Name: req.Name},
		req.Subject, req.HTML, req.Text, attachments)
	if err != nil {
		var fe *dispatch.FallbackError
		if errors.As(err, &fe) {
			resp := SendFailedResponse{Error: dispatch.ErrAllProvidersFailed.Error()}
			for _, a := range fe.Attempts {
				resp.Attempts = append(resp.Attempts, FailedAttempt{Provider: a.Provider, Error: a.Err.Error()})
			}
			s.logger.Warn("send failed on every provider", "to", req.To, "attempts", len(fe.Attempts))
			s.sendJSON(w, http.StatusBadGateway, resp)
			return
		}
		s.logger.Error("failed to send message", "to", req.To, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to send message")
		return
	}

	s.logger.Info("message sent via API",
		"to", req.To,
		"provider", result.Provider,
		"message_id", result.MessageID,
	)

	s.sendJSON(w, http.StatusOK, SendResponse{
		EntryID:    result.EntryID,
		TrackingID: result.TrackingID,
		MessageID:  result.MessageID,
		Provider:   result.Provider,
		Status:     string(models.DeliverySent),
	})
}

// decodeJSON reads the request body into v, answering 400 or 413 on failure
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendServiceError maps service errors to status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, orchestrator.ErrWrongStatus), errors.Is(err, orchestrator.ErrAlreadySending):
		s.sendError(w, http.StatusConflict, err.Error())
	case orchestrator.IsConfigurationError(err):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "what", what, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal error")
	}
}

// queryInt reads a non-negative integer query parameter
func queryInt(r *http.Request, name string, def, max int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	if max > 0 && n > max {
		n = max
	}
	return n, true
}
