package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdmboyd-dev/TIME-sub002/internal/analytics"
	"github.com/tdmboyd-dev/TIME-sub002/internal/bounce"
	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/render"
	"github.com/tdmboyd-dev/TIME-sub002/internal/scheduler"
	"github.com/tdmboyd-dev/TIME-sub002/internal/sender"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
	"github.com/tdmboyd-dev/TIME-sub002/internal/trigger"
)

var testStart = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type harness struct {
	server    *httptest.Server
	analytics *analytics.Aggregator
	bounces   *bounce.Manager
	store     *storage.Memory
	sender    *sender.Stub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mem := storage.NewMemory()
	clock := scheduler.NewFakeClock(testStart)
	stub := sender.NewStub()

	agg, err := analytics.NewAggregator(config.TrackingConfig{
		Secret: "webhook-test-secret", BaseURL: "https://t.example.com",
	}, analytics.WithClock(clock.Now))
	require.NoError(t, err)

	bounces := bounce.NewManager(mem, config.BounceConfig{
		MaxSoftBounces:   3,
		SoftBounceWindow: 7 * 24 * time.Hour,
		RetryBackoff:     []time.Duration{30 * time.Minute},
	}, bounce.WithClock(clock.Now))

	renderer := render.NewLiquidRenderer()
	require.NoError(t, renderer.Register("tpl-welcome", `<p>Hello</p>`))

	dispatcher := trigger.NewDispatcher(trigger.Deps{
		Triggers:  mem,
		Scheduled: mem,
		Bounces:   bounces,
		Scheduler: scheduler.New(clock),
		Sender:    stub,
		Renderer:  renderer,
		Analytics: agg,
		Now:       clock.Now,
	})

	srv := httptest.NewServer(NewServer(agg, bounces, dispatcher).Router())
	t.Cleanup(srv.Close)

	return &harness{server: srv, analytics: agg, bounces: bounces, store: mem, sender: stub}
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func webhookEvent(eventType, email string) domain.WebhookEvent {
	ev := domain.WebhookEvent{
		EventType:      eventType,
		RecipientEmail: email,
		Timestamp:      testStart,
	}
	ev.Correlation.CampaignID = "cmp-1"
	ev.Correlation.EmailLogID = "log-1"
	ev.Correlation.UserID = "u-1"
	return ev
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestESPWebhookRecordsEngagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	click := webhookEvent("click", "a@b.com")
	click.Click = &struct {
		URL string `json:"url"`
	}{URL: "https://example.com/offer"}

	resp := h.post(t, "/webhooks/esp", []domain.WebhookEvent{
		webhookEvent("delivery", "a@b.com"),
		webhookEvent("open", "a@b.com"),
		click,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, 3, ack["processed"])

	stats := h.analytics.GetStats(ctx, "cmp-1", testStart.Add(-time.Hour), testStart.Add(time.Hour))
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.UniqueOpens)
	assert.Equal(t, 1, stats.UniqueClicks)
}

func TestESPWebhookHardBounceSuppresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := webhookEvent("bounce", "gone@b.com")
	ev.BounceType = "Permanent"
	resp := h.post(t, "/webhooks/esp", []domain.WebhookEvent{ev})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	check, err := h.bounces.CanSendTo(ctx, "gone@b.com")
	require.NoError(t, err)
	assert.False(t, check.CanSend)
}

func TestESPWebhookComplaintSuppresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.post(t, "/webhooks/esp", []domain.WebhookEvent{webhookEvent("complaint", "angry@b.com")})
	resp.Body.Close()

	check, err := h.bounces.CanSendTo(ctx, "angry@b.com")
	require.NoError(t, err)
	assert.False(t, check.CanSend)
}

func TestESPWebhookUnsubscribeSuppresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.post(t, "/webhooks/esp", []domain.WebhookEvent{webhookEvent("unsubscribe", "quit@b.com")})
	defer resp.Body.Close()
	var ack map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, 1, ack["processed"])

	check, err := h.bounces.CanSendTo(ctx, "quit@b.com")
	require.NoError(t, err)
	assert.False(t, check.CanSend)
	assert.Equal(t, domain.ReasonUnsubscribe, check.Reason)
}

func TestESPWebhookBadBatchStillAcks(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.server.URL+"/webhooks/esp", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "provider must not retry malformed batches")
}

func TestESPWebhookUnknownEventSkipped(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/webhooks/esp", []domain.WebhookEvent{
		webhookEvent("mystery", "a@b.com"),
		webhookEvent("open", "a@b.com"),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, 1, ack["processed"])
}

func TestEventIngestionFiresTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateTrigger(ctx, &domain.TriggerConfig{
		ID:         "trg-1",
		Event:      "user.signup",
		TemplateID: "tpl-welcome",
		Subject:    "Welcome!",
		CampaignID: "cmp-onboarding",
		Enabled:    true,
	}))

	resp := h.post(t, "/events", domain.EventData{
		Event: "user.signup", UserID: "u-1", Email: "new@b.com",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, h.sender.Sent(), 1)
}

func TestEventIngestionValidation(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/events", domain.EventData{Event: "user.signup"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "email is required")

	raw, err := http.Post(h.server.URL+"/events", "application/json",
		bytes.NewReader([]byte("nope")))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestOpenPixelRecordsAndServesGIF(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pixel, err := h.analytics.GenerateTrackingPixel("log-9", "cmp-9", "u-9")
	require.NoError(t, err)

	// The pixel URL is minted against the configured base; replay its path
	// against the test server.
	path := pixel[len("https://t.example.com"):]
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	stats := h.analytics.GetStats(ctx, "cmp-9", testStart.Add(-time.Hour), testStart.Add(time.Hour))
	assert.Equal(t, 1, stats.UniqueOpens)
}

func TestOpenPixelServesGIFOnBadToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/t/o/not-a-real-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
}

func TestClickRedirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tracked, err := h.analytics.GenerateTrackingURL("https://example.com/offer", "log-9", "cmp-9", "u-9")
	require.NoError(t, err)
	path := tracked[len("https://t.example.com"):]

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(h.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.com/offer", resp.Header.Get("Location"))

	stats := h.analytics.GetStats(ctx, "cmp-9", testStart.Add(-time.Hour), testStart.Add(time.Hour))
	assert.Equal(t, 1, stats.UniqueClicks)
}

func TestClickRedirectRejectsBadToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/t/c/garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBounceTypeMapping(t *testing.T) {
	tests := []struct {
		provider string
		want     domain.BounceType
	}{
		{"Permanent", domain.BounceHard},
		{"hard", domain.BounceHard},
		{"Transient", domain.BounceSoft},
		{"", domain.BounceSoft},
		{"block", domain.BounceBlock},
		{"spam", domain.BounceSpam},
		{"invalid", domain.BounceInvalid},
		{"something-new", domain.BounceSoft},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("provider=%s", tc.provider), func(t *testing.T) {
			assert.Equal(t, tc.want, mapBounceType(tc.provider))
		})
	}
}
