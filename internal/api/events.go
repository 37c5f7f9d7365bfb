package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/foxzi/mailcast/internal/bounce"
	"github.com/foxzi/mailcast/internal/models"
)

// DeliveryListResponse is the response for GET /api/v1/deliveries
type DeliveryListResponse struct {
	Entries []models.DeliveryLogEntry `json:"entries"`
	Total   int                       `json:"total"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
}

// DSNResponse is the response for POST /api/v1/events/dsn
type DSNResponse struct {
	Applied int `json:"applied"`
	Unknown int `json:"unknown"`
}

// handleListDeliveries handles GET /api/v1/deliveries
// Query: campaign_id, provider_id, status, recipient, limit, offset
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100, 1000)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := queryInt(r, "offset", 0, 0)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	q := r.URL.Query()
	filter := models.DeliveryListFilter{
		CampaignID: q.Get("campaign_id"),
		ProviderID: q.Get("provider_id"),
		Status:     models.DeliveryStatus(q.Get("status")),
		Recipient:  q.Get("recipient"),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown delivery status")
		return
	}

	entries, total, err := s.deps.Deliveries.List(r.Context(), filter)
	if err != nil {
		s.sendServiceError(w, err, "deliveries")
		return
	}
	if entries == nil {
		entries = []models.DeliveryLogEntry{}
	}

	s.sendJSON(w, http.StatusOK, DeliveryListResponse{
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleEvent handles POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev bounce.Event
	if !s.decodeJSON(w, r, &ev) {
		return
	}

	if !ev.Type.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	if ev.MessageID == "" && ev.TrackingID == "" {
		s.sendError(w, http.StatusBadRequest, "message_id or tracking_id is required")
		return
	}

	if err := s.deps.Events.Process(r.Context(), ev); err != nil {
		if errors.Is(err, bounce.ErrUnknownMessage) {
			s.sendError(w, http.StatusNotFound, "delivery not found")
			return
		}
		s.logger.Error("failed to process event", "type", ev.Type, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDSN handles POST /api/v1/events/dsn with a raw bounce message
func (s *Server) handleDSN(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	events, err := bounce.ParseDSN(raw)
	if err != nil {
		if errors.Is(err, bounce.ErrNotDSN) {
			s.sendError(w, http.StatusUnprocessableEntity, "body is not a delivery status notification")
			return
		}
		s.sendError(w, http.StatusBadRequest, "Failed to parse bounce message")
		return
	}

	var resp DSNResponse
	for _, ev := range events {
		if err := s.deps.Events.Process(r.Context(), ev); err != nil {
			if errors.Is(err, bounce.ErrUnknownMessage) {
				resp.Unknown++
				continue
			}
			s.logger.Error("failed to apply bounce", "message_id", ev.MessageID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to process bounce")
			return
		}
		resp.Applied++
	}

	s.sendJSON(w, http.StatusOK, resp)
}
