// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// Dispatcher is the command side of a campaign run.
type Dispatcher interface {
	Start(ctx context.Context, campaignID string) (*service.StartResult, error)
	Pause(ctx context.Context, campaignID string) (model.Status, error)
	Stats(ctx context.Context, campaignID string) (*service.StatsView, error)
}

type CampaignController struct {
	CampaignService *service.CampaignService
	Dispatcher      Dispatcher
	Logger          *zap.Logger
}

// Routes mounts the campaign API on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", c.GetCampaign)
		r.Put("/recipients", c.ReplaceRecipients)
		r.Post("/personalized-preview", c.PersonalizedPreview)
		r.Post("/start", c.StartCampaign)
		r.Post("/pause", c.PauseCampaign)
		r.Get("/stats", c.CampaignStats)
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipient model.Recipient `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.Logger, appErrors.NewValidation("invalid body"))
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), chi.URLParam(r, "id"), body.Recipient)
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"recipient":        body.Recipient.Phone,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.Logger, appErrors.NewValidation("invalid body"))
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}

	WriteJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	if channel != "" && !model.ChannelType(channel).Valid() {
		WriteError(w, c.Logger, appErrors.NewValidation("unknown channel filter "+strconv.Quote(channel)))
		return
	}
	if status != "" && !model.Status(status).Valid() {
		WriteError(w, c.Logger, appErrors.NewValidation("unknown status filter "+strconv.Quote(status)))
		return
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ReplaceRecipients(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipients []model.Recipient `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.Logger, appErrors.NewValidation("invalid body"))
		return
	}

	id := chi.URLParam(r, "id")
	if err := c.CampaignService.ReplaceRecipients(r.Context(), id, body.Recipients); err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id":      id,
		"total_recipients": len(body.Recipients),
	})
}

// StartCampaign accepts the run and returns before any batch is sent.
func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	result, err := c.Dispatcher.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := c.Dispatcher.Pause(r.Context(), id)
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"status":      status,
	})
}

func (c *CampaignController) CampaignStats(w http.ResponseWriter, r *http.Request) {
	view, err := c.Dispatcher.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}
