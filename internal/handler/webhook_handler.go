// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/controller"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

const (
	voiceInputPath = "/webhooks/voice/input"
	optOutDigit    = "9"
)

// WebhookHandler receives provider callbacks. Delivery reports go through Events when
// it is set, so a slow store never holds up the provider; otherwise they are applied
// inline.
type WebhookHandler struct {
	Delivery  *service.DeliveryService
	Campaigns *service.CampaignService
	Events    queue.Queue
	Logger    *zap.Logger
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/message-status", h.MessageStatus)
		r.Post("/call-status", h.CallStatus)
		r.Post("/inbound-message", h.InboundMessage)
		r.Post("/voice", h.Voice)
		r.Post("/voice/input", h.VoiceInput)
	})
}

func (h *WebhookHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// messageStatus maps provider message statuses onto final dispatch statuses. WhatsApp
// "read" implies delivery.
func messageStatus(s string) (model.DispatchStatus, bool) {
	switch strings.ToLower(s) {
	case "delivered", "read":
		return model.DispatchDelivered, true
	case "undelivered":
		return model.DispatchUndelivered, true
	case "failed":
		return model.DispatchFailed, true
	}
	return "", false
}

// MessageStatus handles POST /webhooks/message-status (MessageSid, MessageStatus, ErrorCode).
func (h *WebhookHandler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		controller.WriteError(w, h.Logger, appErrors.NewValidation("invalid form body"))
		return
	}
	final, ok := messageStatus(r.PostForm.Get("MessageStatus"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ev := model.DeliveryEvent{
		ProviderID:  r.PostForm.Get("MessageSid"),
		FinalStatus: final,
		ErrorCode:   r.PostForm.Get("ErrorCode"),
	}
	if err := h.deliver(r.Context(), ev); err != nil {
		controller.WriteError(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CallStatus handles POST /webhooks/call-status (CallSid, CallStatus, To).
func (h *WebhookHandler) CallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		controller.WriteError(w, h.Logger, appErrors.NewValidation("invalid form body"))
		return
	}
	callID, to, status := r.PostForm.Get("CallSid"), r.PostForm.Get("To"), r.PostForm.Get("CallStatus")

	var err error
	if h.Events == nil {
		_, err = h.Delivery.ApplyCallStatus(r.Context(), callID, to, status)
	} else {
		err = h.publishCallStatus(r.Context(), callID, to, status)
	}
	if err != nil {
		controller.WriteError(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishCallStatus remembers a missed call right away and queues the settlement.
func (h *WebhookHandler) publishCallStatus(ctx context.Context, callID, to, status string) error {
	final, missed, ok := service.CallStatus(status)
	if !ok {
		return nil
	}
	if missed {
		h.Delivery.RecordMissedCall(ctx, to, status)
	}
	return h.deliver(ctx, model.DeliveryEvent{ProviderID: callID, FinalStatus: final})
}

func (h *WebhookHandler) deliver(ctx context.Context, ev model.DeliveryEvent) error {
	if ev.ProviderID == "" {
		return appErrors.NewValidation("missing message id")
	}
	if h.Events != nil {
		if err := queue.PublishDeliveryEvent(ctx, h.Events, ev); err != nil {
			return appErrors.NewStoreUnavailable("", err)
		}
		return nil
	}
	_, err := h.Delivery.ApplyDelivery(ctx, ev)
	return err
}

// InboundMessage handles POST /webhooks/inbound-message (From, Body).
func (h *WebhookHandler) InboundMessage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		controller.WriteError(w, h.Logger, appErrors.NewValidation("invalid form body"))
		return
	}
	from := r.PostForm.Get("From")
	result, err := h.Delivery.HandleInbound(r.Context(), from, r.PostForm.Get("Body"))
	if err != nil {
		controller.WriteError(w, h.Logger, err)
		return
	}

	resp := Response{}
	if result == service.InboundOptOut {
		resp.Message = &Message{Text: "You have been unsubscribed and will receive no further messages."}
	}
	writeMarkup(w, resp)
}

// Voice serves the call flow. Outbound campaign calls carry ?campaign=<id>; calls
// without it are inbound, and callers we recently missed get the callback menu.
func (h *WebhookHandler) Voice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		controller.WriteError(w, h.Logger, appErrors.NewValidation("invalid form body"))
		return
	}

	if id := r.URL.Query().Get("campaign"); id != "" {
		writeMarkup(w, h.campaignScript(r.Context(), id, r.PostForm.Get("To")))
		return
	}

	from := r.PostForm.Get("From")
	missed, err := h.Delivery.IsMissedCaller(r.Context(), from)
	if err != nil {
		h.log().Warn("missed call lookup failed", zap.String("phone", from), zap.Error(err))
	}
	if !missed {
		writeMarkup(w, Response{Says: says("Thank you for calling. Goodbye."), Hangup: &Hangup{}})
		return
	}
	writeMarkup(w, Response{
		Says: says("Thanks for calling back. We tried to reach you earlier."),
		Gather: &Gather{
			Action:    voiceInputPath,
			Method:    http.MethodPost,
			NumDigits: 1,
			Timeout:   10,
			Say:       &Say{Text: "Press 1 if you are interested. Press 9 to stop receiving our calls."},
		},
		Hangup: &Hangup{},
	})
}

func (h *WebhookHandler) campaignScript(ctx context.Context, campaignID, callee string) Response {
	c, err := h.Campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		h.log().Warn("voice script for unknown campaign", zap.String("campaign_id", campaignID), zap.Error(err))
		return Response{Says: says("Sorry, this message is no longer available. Goodbye."), Hangup: &Hangup{}}
	}

	recipient := model.Recipient{Phone: callee}
	for _, rc := range c.Recipients {
		if rc.Phone == callee {
			recipient = rc
			break
		}
	}
	return Response{
		Says: says(service.RenderContent(c.Content, recipient)),
		Gather: &Gather{
			Action:    voiceInputPath,
			Method:    http.MethodPost,
			NumDigits: 1,
			Timeout:   5,
			Say:       &Say{Text: "Press 1 if you are interested. Press 9 to stop receiving our calls."},
		},
		Hangup: &Hangup{},
	}
}

// VoiceInput handles the digit pressed in the call menu.
func (h *WebhookHandler) VoiceInput(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		controller.WriteError(w, h.Logger, appErrors.NewValidation("invalid form body"))
		return
	}
	// on outbound calls the recipient is the callee
	phone := r.PostForm.Get("From")
	if strings.HasPrefix(r.PostForm.Get("Direction"), "outbound") {
		phone = r.PostForm.Get("To")
	}

	switch digits := r.PostForm.Get("Digits"); digits {
	case "":
		writeMarkup(w, Response{Says: says("We did not receive any input. Goodbye."), Hangup: &Hangup{}})
	case optOutDigit:
		if err := h.Delivery.OptOut(r.Context(), phone, optOutDigit); err != nil {
			controller.WriteError(w, h.Logger, err)
			return
		}
		writeMarkup(w, Response{Says: says("You will not receive further calls from us. Goodbye."), Hangup: &Hangup{}})
	default:
		if _, err := h.Delivery.ApplyResponse(r.Context(), phone); err != nil {
			controller.WriteError(w, h.Logger, err)
			return
		}
		writeMarkup(w, Response{Says: says("Thank you. A member of our team will be in touch. Goodbye."), Hangup: &Hangup{}})
	}
}
