// Package webhook exposes the HTTP surface of the email engine: the ESP
// event webhook, open/click tracking endpoints, and the event ingestion
// endpoint the trading platform posts business events to.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tdmboyd-dev/TIME-sub002/internal/analytics"
	"github.com/tdmboyd-dev/TIME-sub002/internal/bounce"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/httputil"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/trigger"
)

// transparent 1x1 GIF served on the open-tracking pixel.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	analytics  *analytics.Aggregator
	bounces    *bounce.Manager
	dispatcher *trigger.Dispatcher
	log        *logger.Logger
}

// NewServer wires the HTTP layer.
func NewServer(agg *analytics.Aggregator, bounces *bounce.Manager, dispatcher *trigger.Dispatcher) *Server {
	return &Server{
		analytics:  agg,
		bounces:    bounces,
		dispatcher: dispatcher,
		log:        logger.With("webhook"),
	}
}

// Router builds the chi mux with middleware and all routes mounted.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Post("/webhooks/esp", s.handleESPWebhook)
	r.Post("/events", s.handleEvent)

	r.Get("/t/o/{token}", s.handleOpenPixel)
	r.Get("/t/c/{token}", s.handleClickRedirect)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==========================================
// ESP WEBHOOK
// ==========================================

// handleESPWebhook ingests provider event notifications. The provider
// retries on non-2xx, so malformed or partially failing batches are still
// acknowledged; failures go to the log, not to the response.
func (s *Server) handleESPWebhook(w http.ResponseWriter, r *http.Request) {
	// Cap webhook payloads to keep a hostile batch from ballooning memory.
	r.Body = http.MaxBytesReader(w, r.Body, 5*1024*1024)

	var events []domain.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		s.log.Warn("webhook payload decode failed", "error", err.Error())
		httputil.JSON(w, http.StatusOK, map[string]int{"processed": 0})
		return
	}

	processed := 0
	for i := range events {
		if err := s.processWebhookEvent(r.Context(), &events[i]); err != nil {
			s.log.Warn("webhook event failed",
				"event_type", events[i].EventType,
				"email", logger.RedactEmail(events[i].RecipientEmail),
				"error", err.Error())
			continue
		}
		processed++
	}
	httputil.JSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (s *Server) processWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	switch strings.ToLower(ev.EventType) {
	case "delivery", "delivered":
		s.recordTracking(ctx, domain.EventDelivered, ev, nil)
	case "open", "opened":
		s.recordTracking(ctx, domain.EventOpened, ev, nil)
	case "click", "clicked":
		var meta map[string]any
		if ev.Click != nil {
			meta = map[string]any{"url": ev.Click.URL}
		}
		s.recordTracking(ctx, domain.EventClicked, ev, meta)
	case "bounce", "bounced":
		s.recordTracking(ctx, domain.EventBounced, ev, nil)
		return s.processBounce(ctx, ev, mapBounceType(ev.BounceType))
	case "complaint", "complained":
		s.recordTracking(ctx, domain.EventComplained, ev, nil)
		return s.processBounce(ctx, ev, domain.BounceSpam)
	case "unsubscribe", "unsubscribed":
		s.recordTracking(ctx, domain.EventUnsubscribed, ev, nil)
		if s.bounces != nil {
			return s.bounces.AddToSuppressionList(ctx, ev.RecipientEmail, domain.ReasonUnsubscribe)
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.EventType)
	}
	return nil
}

func (s *Server) recordTracking(ctx context.Context, typ domain.TrackingEventType, ev *domain.WebhookEvent, meta map[string]any) {
	if s.analytics == nil {
		return
	}
	s.analytics.RecordEvent(ctx, typ,
		ev.Correlation.EmailLogID, ev.Correlation.CampaignID, ev.Correlation.UserID,
		ev.RecipientEmail, meta)
}

func (s *Server) processBounce(ctx context.Context, ev *domain.WebhookEvent, typ domain.BounceType) error {
	if s.bounces == nil {
		return nil
	}
	return s.bounces.ProcessBounce(ctx, &domain.BounceRecord{
		Email:      ev.RecipientEmail,
		Type:       typ,
		CampaignID: ev.Correlation.CampaignID,
		OccurredAt: ev.Timestamp,
	})
}

// mapBounceType translates provider bounce classifications onto the
// suppression state machine's types. SES reports Permanent/Transient;
// other providers use hard/soft directly.
func mapBounceType(provider string) domain.BounceType {
	switch strings.ToLower(provider) {
	case "permanent", "hard":
		return domain.BounceHard
	case "transient", "soft", "undetermined", "":
		return domain.BounceSoft
	case "block", "blocked":
		return domain.BounceBlock
	case "spam", "complaint":
		return domain.BounceSpam
	case "invalid":
		return domain.BounceInvalid
	}
	return domain.BounceSoft
}

// ==========================================
// EVENT INGESTION
// ==========================================

// handleEvent accepts a business event from the platform and fans it out
// to the matching triggers.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "event dispatch not configured")
		return
	}

	var event domain.EventData
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if event.Event == "" || event.Email == "" {
		httputil.Error(w, http.StatusBadRequest, "event and email are required")
		return
	}

	if err := s.dispatcher.FireEvent(r.Context(), &event); err != nil {
		s.log.Warn("event dispatch failed", "event", event.Event, "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "event dispatch failed")
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ==========================================
// TRACKING ENDPOINTS
// ==========================================

// handleOpenPixel records an open and serves the transparent GIF. Bad or
// tampered tokens still get the pixel so email clients render nothing odd.
func (s *Server) handleOpenPixel(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if s.analytics != nil {
		if err := s.analytics.HandleOpenTracking(r.Context(), token); err != nil {
			s.log.Debug("open token rejected", "error", err.Error())
		}
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}

// handleClickRedirect records a click and 302s to the original URL.
func (s *Server) handleClickRedirect(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if s.analytics == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "tracking not configured")
		return
	}
	target, err := s.analytics.HandleClickTracking(r.Context(), token)
	if err != nil || target == "" {
		httputil.Error(w, http.StatusNotFound, "unknown link")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
