package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/cache"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

const (
	nino  = "+995555100001"
	luka  = "+995555100002"
	hooks = "https://hooks.example.com"
)

type fixture struct {
	router    http.Handler
	campaigns *repository.MemoryCampaignStore
	optOuts   *repository.MemoryOptOutStore
	id        string
}

// newFixture completes a two-recipient campaign on ch; the provider ids are "ID-" + phone.
func newFixture(t *testing.T, ch model.ChannelType, events queue.Queue) *fixture {
	t.Helper()
	ctx := context.Background()
	campaigns := repository.NewMemoryCampaignStore()
	dispatches := repository.NewMemoryDispatchStore(campaigns)
	optOuts := repository.NewMemoryOptOutStore()

	p := provider.ProviderFunc(func(_ context.Context, req provider.Request) (provider.Receipt, error) {
		return provider.Receipt{ProviderID: "ID-" + req.To}, nil
	})
	adapter := provider.NewAdapter(p, provider.AdapterConfig{CallbackBaseURL: hooks}, nil, nil)
	d := service.NewDispatcher(campaigns, dispatches, optOuts, adapter, service.DispatcherConfig{BatchSize: 5}, nil, nil)

	c := &model.Campaign{Name: "promo", Channel: ch, Content: "Hello {name}", Recipients: []model.Recipient{
		{Phone: nino, Vars: map[string]string{"name": "Nino"}},
		{Phone: luka, Vars: map[string]string{"name": "Luka"}},
	}}
	require.NoError(t, campaigns.Create(ctx, c))
	_, err := d.Run(ctx, c.ID)
	require.NoError(t, err)

	delivery := &service.DeliveryService{
		Dispatches:  dispatches,
		OptOuts:     optOuts,
		MissedCalls: cache.NewLRUMissedCallCache(100, time.Hour),
	}
	if events != nil {
		require.NoError(t, queue.StartDeliverySubscriber(events, delivery, nil))
	}
	h := &handler.WebhookHandler{
		Delivery:  delivery,
		Campaigns: &service.CampaignService{CampaignRepo: campaigns},
		Events:    events,
	}
	r := chi.NewRouter()
	h.Routes(r)
	return &fixture{router: r, campaigns: campaigns, optOuts: optOuts, id: c.ID}
}

func (f *fixture) post(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) stats(t *testing.T) model.Stats {
	t.Helper()
	c, err := f.campaigns.GetByID(context.Background(), f.id)
	require.NoError(t, err)
	return c.Stats
}

func TestMessageStatusAppliedInline(t *testing.T) {
	f := newFixture(t, model.ChannelSMS, nil)

	w := f.post(t, "/webhooks/message-status", url.Values{"MessageSid": {"ID-" + nino}, "MessageStatus": {"sent"}})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.post(t, "/webhooks/message-status", url.Values{"MessageSid": {"ID-" + nino}, "MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.post(t, "/webhooks/message-status", url.Values{"MessageSid": {"ID-" + luka}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30005"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	// duplicates change nothing
	f.post(t, "/webhooks/message-status", url.Values{"MessageSid": {"ID-" + luka}, "MessageStatus": {"failed"}})

	assert.Equal(t, model.Stats{Total: 2, Sent: 1, Delivered: 1, Failed: 1}, f.stats(t))

	w = f.post(t, "/webhooks/message-status", url.Values{"MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// a report can outrun the record of its send; the provider is asked to retry
	w = f.post(t, "/webhooks/message-status", url.Values{"MessageSid": {"ID-not-yet"}, "MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMessageStatusThroughQueue(t *testing.T) {
	q := queue.NewInMemoryQueue(nil)
	f := newFixture(t, model.ChannelWhatsApp, q)

	w := f.post(t, "/webhooks/message-status", url.Values{"MessageSid": {"ID-" + nino}, "MessageStatus": {"read"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NoError(t, q.Close())

	assert.Equal(t, 1, f.stats(t).Delivered)
}

func TestCallStatusAndCallbackMenu(t *testing.T) {
	f := newFixture(t, model.ChannelCall, nil)

	w := f.post(t, "/webhooks/call-status", url.Values{"CallSid": {"ID-" + nino}, "CallStatus": {"ringing"}, "To": {nino}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.post(t, "/webhooks/call-status", url.Values{"CallSid": {"ID-" + nino}, "CallStatus": {"no-answer"}, "To": {nino}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.post(t, "/webhooks/call-status", url.Values{"CallStatus": {"busy"}, "To": {"+995322000001"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.post(t, "/webhooks/call-status", url.Values{"CallSid": {"ID-" + luka}, "CallStatus": {"completed"}, "To": {luka}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, model.Stats{Total: 2, Sent: 1, Delivered: 1, Failed: 1}, f.stats(t))

	// Nino calls back and gets the menu; Luka did not miss a call
	w = f.post(t, "/webhooks/voice", url.Values{"From": {nino}, "Direction": {"inbound"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Gather")
	assert.Contains(t, w.Body.String(), `action="/webhooks/voice/input"`)

	w = f.post(t, "/webhooks/voice", url.Values{"From": {luka}, "Direction": {"inbound"}})
	assert.NotContains(t, w.Body.String(), "<Gather")
	assert.Contains(t, w.Body.String(), "<Hangup>")

	w = f.post(t, "/webhooks/voice/input", url.Values{"From": {nino}, "Direction": {"inbound"}, "Digits": {"9"}})
	require.Equal(t, http.StatusOK, w.Code)
	code, ok := f.optOuts.Code(nino)
	assert.True(t, ok)
	assert.Equal(t, "9", code)

	// opting out clears the missed call
	w = f.post(t, "/webhooks/voice", url.Values{"From": {nino}, "Direction": {"inbound"}})
	assert.NotContains(t, w.Body.String(), "<Gather")
}

func TestVoiceScriptForCampaignCall(t *testing.T) {
	f := newFixture(t, model.ChannelCall, nil)

	w := f.post(t, "/webhooks/voice?campaign="+url.QueryEscape(f.id), url.Values{"To": {nino}, "Direction": {"outbound-api"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/xml; charset=utf-8", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "<?xml"))
	assert.Contains(t, w.Body.String(), "<Say>Hello Nino</Say>")

	w = f.post(t, "/webhooks/voice/input", url.Values{"From": {"+995322000000"}, "To": {nino}, "Direction": {"outbound-api"}, "Digits": {"1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.stats(t).Responded)

	w = f.post(t, "/webhooks/voice?campaign=gone", url.Values{"To": {nino}})
	assert.Contains(t, w.Body.String(), "no longer available")
}

func TestInboundMessage(t *testing.T) {
	f := newFixture(t, model.ChannelSMS, nil)

	w := f.post(t, "/webhooks/inbound-message", url.Values{"From": {luka}, "Body": {"Interested!"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "<Message>")
	assert.Equal(t, 1, f.stats(t).Responded)

	w = f.post(t, "/webhooks/inbound-message", url.Values{"From": {nino}, "Body": {"STOP 111"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Message>")
	code, _ := f.optOuts.Code(nino)
	assert.Equal(t, "111", code)
}
