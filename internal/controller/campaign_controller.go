// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, appErrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidTransition), errors.Is(err, appErrors.ErrStaleTransition):
		status = http.StatusConflict
	case errors.Is(err, appErrors.ErrInvalidPhone), errors.Is(err, appErrors.ErrInvalidReason):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (c *CampaignController) DispatchCampaign(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.EnqueueCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.CampaignService.PauseCampaign(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"campaign_id": id, "status": string(model.CampaignPaused)})
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.ResumeCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) DispatchTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := c.CampaignService.EnqueueDispatch(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"target_id": id, "status": "enqueued"})
}

func (c *CampaignController) GetTargetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := c.CampaignService.GetTargetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (c *CampaignController) CreateSuppression(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PhoneNumber    string `json:"phone_number"`
		OrganizationID string `json:"organization_id"`
		Reason         string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = string(model.ReasonManual)
	}

	sup, err := c.CampaignService.Suppress(r.Context(), body.PhoneNumber, body.OrganizationID, model.SuppressionReason(body.Reason))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sup)
}

func (c *CampaignController) DeleteSuppression(w http.ResponseWriter, r *http.Request) {
	if err := c.CampaignService.DeactivateSuppression(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
