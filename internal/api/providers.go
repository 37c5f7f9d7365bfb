package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/selector"
	"github.com/foxzi/mailcast/internal/transport"
)

// ProviderListResponse is the response for GET /api/v1/providers
type ProviderListResponse struct {
	Providers []models.Provider `json:"providers"`
}

// ProbeResponse is the response for POST /api/v1/providers/{id}/test
type ProbeResponse struct {
	ProviderID string          `json:"provider_id"`
	Name       string          `json:"name"`
	Probe      transport.Probe `json:"probe"`
}

// ProbeAllResponse is the response for POST /api/v1/providers/test
type ProbeAllResponse struct {
	Results []selector.ProbeResult `json:"results"`
	Passed  int                    `json:"passed"`
	Failed  int                    `json:"failed"`
}

// handleListProviders handles GET /api/v1/providers
// Query: active=true, kind=<kind>
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ProviderListFilter{
		ActiveOnly: q.Get("active") == "true",
		Kind:       models.ProviderKind(q.Get("kind")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown provider kind")
		return
	}

	providers, err := s.deps.Providers.List(r.Context(), filter)
	if err != nil {
		s.sendServiceError(w, err, "providers")
		return
	}
	if providers == nil {
		providers = []models.Provider{}
	}
	s.sendJSON(w, http.StatusOK, ProviderListResponse{Providers: providers})
}

// handleGetProvider handles GET /api/v1/providers/{id}
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Providers.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "provider")
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

// handleTestProvider handles POST /api/v1/providers/{id}/test
func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Providers.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err, "provider")
		return
	}

	probe := s.deps.Prober.TestConnection(r.Context(), p)
	s.logger.Info("provider tested",
		"provider", p.Name,
		"success", probe.Success,
		"latency", probe.Latency,
	)
	s.sendJSON(w, http.StatusOK, ProbeResponse{ProviderID: p.ID, Name: p.Name, Probe: probe})
}

// handleTestAllProviders handles POST /api/v1/providers/test
func (s *Server) handleTestAllProviders(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Prober.TestAll(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "providers")
		return
	}

	resp := ProbeAllResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []selector.ProbeResult{}
	}
	for _, res := range results {
		if res.Probe.Success {
			resp.Passed++
		} else {
			resp.Failed++
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleSetDefaultProvider handles POST /api/v1/providers/{id}/default
func (s *Server) handleSetDefaultProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Providers.SetDefault(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "provider")
		return
	}

	s.logger.Info("default provider changed", "provider_id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"provider_id": id,
	})
}
