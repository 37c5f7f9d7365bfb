package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailcast/internal/jobs"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/orchestrator"
)

// StartRequest is the optional body of POST /campaigns/{id}/send and /resume
type StartRequest struct {
	ProviderID string `json:"provider_id,omitempty"`
}

// StartResponse is returned when a run was queued
type StartResponse struct {
	CampaignID string `json:"campaign_id"`
	Job        string `json:"job"`
	Status     string `json:"status"`
}

// CampaignStatsResponse is the response for GET /campaigns/{id}/stats
type CampaignStatsResponse struct {
	Campaign *models.Campaign     `json:"campaign"`
	Log      models.CampaignStats `json:"log"`
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Campaigns.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.deps.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "campaign")
		return
	}
	stats, err := s.deps.Deliveries.CampaignStats(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "campaign stats")
		return
	}
	s.sendJSON(w, http.StatusOK, CampaignStatsResponse{Campaign: c, Log: stats})
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/send
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.queueRun(w, r, jobs.KindStartSend)
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.queueRun(w, r, jobs.KindResume)
}

// queueRun checks the preconditions synchronously and hands the run itself
// to the job queue
func (s *Server) queueRun(w http.ResponseWriter, r *http.Request, kind jobs.Kind) {
	id := chi.URLParam(r, "id")

	var req StartRequest
	if err := decodeOptional(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	opts := orchestrator.StartOptions{ProviderID: req.ProviderID}
	if err := s.deps.Control.Check(r.Context(), id, opts, kind == jobs.KindResume); err != nil {
		s.sendServiceError(w, err, "campaign")
		return
	}

	job := jobs.Job{
		Kind:       kind,
		CampaignID: id,
		ProviderID: req.ProviderID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.deps.Jobs.Enqueue(r.Context(), job); err != nil {
		s.logger.Error("failed to enqueue campaign run", "campaign_id", id, "kind", kind, "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Failed to queue campaign run")
		return
	}

	s.logger.Info("campaign run queued", "campaign_id", id, "kind", kind)
	s.sendJSON(w, http.StatusAccepted, StartResponse{
		CampaignID: id,
		Job:        string(kind),
		Status:     "queued",
	})
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Control.Pause(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"campaign_id": id, "status": string(models.CampaignPaused)})
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Control.Cancel(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"campaign_id": id, "status": string(models.CampaignCancelled)})
}

// decodeOptional decodes a body that may be empty
func decodeOptional(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
