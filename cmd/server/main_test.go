package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/config"
	"github.com/unclebandit/campaign-dispatch/internal/controller"
	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/provider"
	"github.com/unclebandit/campaign-dispatch/internal/queue"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{Store: "memory", MissedCallCapacity: 10}
	st, err := openStores(t.Context(), cfg)
	require.NoError(t, err)
	missed, err := openMissedCallCache(t.Context(), cfg)
	require.NoError(t, err)

	delivery := &service.DeliveryService{Dispatches: st.dispatches, OptOuts: st.optOuts, MissedCalls: missed}
	events, err := openEvents(cfg, delivery, nil)
	require.NoError(t, err)
	_, isMemory := events.(*queue.InMemoryQueue)
	assert.True(t, isMemory)
	t.Cleanup(func() { _ = events.Close() })

	campaigns := &service.CampaignService{CampaignRepo: st.campaigns}
	adapter := provider.NewAdapter(provider.NewSimulatedProvider(1, 0, 1), provider.AdapterConfig{}, nil, nil)
	return newRouter(zap.NewNop(),
		&controller.CampaignController{CampaignService: campaigns},
		&controller.ProviderController{Sender: adapter},
		&handler.WebhookHandler{Delivery: delivery, Campaigns: campaigns, Events: events},
	)
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouterMountsCampaignAndWebhookRoutes(t *testing.T) {
	r := newTestRouter(t)

	body := `{"name":"promo","channel":"sms","content":"Hi {name}","recipients":[{"phone":"+995555100001"}]}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/campaigns", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/campaigns/"+created.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// non-final statuses are acknowledged without touching the queue
	req := httptest.NewRequest(http.MethodPost, "/webhooks/message-status", strings.NewReader("MessageSid=SM1&MessageStatus=queued"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/provider/config", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"callback_configured":false`)
}
