// internal/controller/provider_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
)

const defaultTestContent = "This is a test message from the campaign dispatcher."

// TestSender is implemented by *provider.Adapter.
type TestSender interface {
	Send(ctx context.Context, campaignID string, ch model.ChannelType, phone, content string) (model.DispatchOutcome, error)
	CallbackConfigured() bool
}

// ProviderController lets an operator check the provider wiring without running a campaign.
type ProviderController struct {
	Sender TestSender
	Logger *zap.Logger
}

func (c *ProviderController) Routes(r chi.Router) {
	r.Route("/provider", func(r chi.Router) {
		r.Get("/config", c.Config)
		r.Post("/test-send", c.TestSend)
	})
}

// Config reports which channels can be dispatched with the current configuration.
func (c *ProviderController) Config(w http.ResponseWriter, _ *http.Request) {
	configured := c.Sender.CallbackConfigured()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"callback_configured": configured,
		"channels": map[model.ChannelType]bool{
			model.ChannelSMS:      true,
			model.ChannelWhatsApp: true,
			model.ChannelCall:     configured,
		},
	})
}

// TestSend sends one message or call outside any campaign and reports the outcome.
// Provider rejections come back as an unsuccessful outcome, not an error.
func (c *ProviderController) TestSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel model.ChannelType `json:"channel"`
		To      string            `json:"to"`
		Content string            `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, c.Logger, appErrors.NewValidation("invalid body"))
		return
	}
	if !body.Channel.Valid() {
		WriteError(w, c.Logger, appErrors.NewValidation(fmt.Sprintf("unknown channel %q", body.Channel)))
		return
	}
	if !model.IsE164(body.To) {
		WriteError(w, c.Logger, appErrors.NewValidation(fmt.Sprintf("%q is not an E.164 number", body.To)))
		return
	}
	if body.Content == "" {
		body.Content = defaultTestContent
	}

	outcome, err := c.Sender.Send(r.Context(), "", body.Channel, body.To, body.Content)
	if errors.Is(err, provider.ErrNoCallbackAddress) {
		WriteError(w, c.Logger, appErrors.NewMissingCallbackAddress(""))
		return
	}
	if err != nil {
		WriteError(w, c.Logger, err)
		return
	}

	if c.Logger != nil {
		c.Logger.Info("test send",
			zap.String("channel", string(body.Channel)),
			zap.String("to", body.To),
			zap.Bool("succeeded", outcome.Succeeded),
			zap.String("error_code", outcome.ErrorCode))
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":             outcome.Succeeded,
		"channel":             body.Channel,
		"to":                  body.To,
		"provider_message_id": outcome.ProviderMessageID,
		"error_code":          outcome.ErrorCode,
	})
}
