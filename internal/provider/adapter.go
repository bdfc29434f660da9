package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const DefaultSendTimeout = 10 * time.Second

type AdapterConfig struct {
	// CallbackBaseURL is the public address the provider calls back on, e.g. https://example.ngrok.io.
	CallbackBaseURL string
	SendTimeout     time.Duration
}

// Adapter turns provider results into DispatchOutcomes. Per-recipient failures never
// surface as errors; only ErrNoCallbackAddress does.
type Adapter struct {
	provider     Provider
	callbackBase string
	timeout      time.Duration
	metrics      metrics.Recorder
	logger       *zap.Logger
}

func NewAdapter(p Provider, cfg AdapterConfig, rec metrics.Recorder, logger *zap.Logger) *Adapter {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		provider:     p,
		callbackBase: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		timeout:      cfg.SendTimeout,
		metrics:      rec,
		logger:       logger,
	}
}

func (a *Adapter) CallbackConfigured() bool { return a.callbackBase != "" }

// CheckChannel reports ErrNoCallbackAddress for calls without a callback base.
func (a *Adapter) CheckChannel(ch model.ChannelType) error {
	if ch == model.ChannelCall && !a.CallbackConfigured() {
		return ErrNoCallbackAddress
	}
	return nil
}

// Send dispatches content to phone and always resolves within the send timeout.
func (a *Adapter) Send(ctx context.Context, campaignID string, ch model.ChannelType, phone, content string) (model.DispatchOutcome, error) {
	if err := a.CheckChannel(ch); err != nil {
		return model.DispatchOutcome{}, err
	}

	req := Request{Channel: ch, To: phone, Content: content}
	if a.CallbackConfigured() {
		req.CallbackURL, req.StatusCallbackURL = a.callbackURLs(campaignID, ch)
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		receipt Receipt
		err     error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		r, err := a.provider.Send(sendCtx, req)
		done <- result{r, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-sendCtx.Done():
		// the provider ignored cancellation; its goroutine drains into the buffered channel
		res = result{err: sendCtx.Err()}
	}

	outcome := a.toOutcome(phone, res.receipt, res.err)
	label := "sent"
	if !outcome.Succeeded {
		label = "failed"
		a.logger.Warn("send failed",
			zap.String("campaign_id", campaignID),
			zap.String("channel", string(ch)),
			zap.String("recipient", phone),
			zap.String("error_code", outcome.ErrorCode),
			zap.Error(res.err))
	}
	a.metrics.RecordSend(string(ch), label, time.Since(start))
	return outcome, nil
}

// callbackURLs builds the provider callbacks for a send. A send outside any campaign
// has no dispatch record to settle, so it gets no status callback.
func (a *Adapter) callbackURLs(campaignID string, ch model.ChannelType) (script, status string) {
	if ch == model.ChannelCall {
		script = a.callbackBase + "/webhooks/voice"
		if campaignID != "" {
			script += "?campaign=" + url.QueryEscape(campaignID)
		}
	}
	if campaignID == "" {
		return script, ""
	}
	if ch == model.ChannelCall {
		return script, a.callbackBase + "/webhooks/call-status"
	}
	return script, a.callbackBase + "/webhooks/message-status"
}

func (a *Adapter) toOutcome(phone string, r Receipt, err error) model.DispatchOutcome {
	out := model.DispatchOutcome{RecipientPhone: phone}
	if err == nil {
		out.Succeeded = true
		out.ProviderMessageID = r.ProviderID
		return out
	}

	var perr *Error
	switch {
	case errors.As(err, &perr):
		out.ErrorCode = perr.Code
		if out.ErrorCode == "" {
			out.ErrorCode = CodeUnavailable
		}
	case errors.Is(err, context.DeadlineExceeded):
		out.ErrorCode = CodeTimeout
	case errors.Is(err, context.Canceled):
		out.ErrorCode = CodeCanceled
	default:
		out.ErrorCode = CodeUnavailable
	}
	return out
}
