package service

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/efreitasn/holdings/internal/domain"
	"github.com/efreitasn/holdings/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Valid webhook event types.
var validWebhookEvents = map[string]bool{
	domain.EventHoldingUpdated: true,
	domain.EventHoldingClosed:  true,
	domain.EventOrderRejected:  true,
}

// DeliveryObserver is told the outcome of every webhook delivery.
type DeliveryObserver interface {
	ObserveDelivery(event string, ok bool)
}

// UpsertWebhookRequest represents the input for webhook registration.
type UpsertWebhookRequest struct {
	URL    string
	Events []string
}

// WebhookService handles webhook CRUD and event dispatch.
type WebhookService struct {
	store    *store.WebhookStore
	client   *http.Client
	observer DeliveryObserver
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// NewWebhookService creates a new WebhookService. observer may be nil.
func NewWebhookService(
	webhookStore *store.WebhookStore,
	webhookTimeout time.Duration,
	observer DeliveryObserver,
	logger *slog.Logger,
) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		store: webhookStore,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
		observer: observer,
		logger:   logger,
	}
}

// Upsert validates the request and creates subscriptions for each
// (event, url) pair. Returns the resulting webhooks, whether any new
// subscriptions were created, and any error.
func (s *WebhookService) Upsert(req UpsertWebhookRequest) ([]*domain.Webhook, bool, error) {
	if req.URL == "" {
		return nil, false, &domain.ValidationError{Message: "url is required"}
	}
	if len(req.URL) > 2048 {
		return nil, false, &domain.ValidationError{Message: "url must be at most 2048 characters"}
	}
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return nil, false, &domain.ValidationError{Message: "url must be a valid absolute URL"}
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, false, &domain.ValidationError{Message: "url must use http or https scheme"}
	}

	if len(req.Events) == 0 {
		return nil, false, &domain.ValidationError{Message: "events must be a non-empty array"}
	}

	// Deduplicate events while preserving order and validating.
	seen := make(map[string]bool, len(req.Events))
	dedupedEvents := make([]string, 0, len(req.Events))
	for _, event := range req.Events {
		if !validWebhookEvents[event] {
			return nil, false, &domain.ValidationError{Message: unknownEventMessage(event)}
		}
		if !seen[event] {
			seen[event] = true
			dedupedEvents = append(dedupedEvents, event)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	anyCreated := false
	webhooks := make([]*domain.Webhook, 0, len(dedupedEvents))

	for _, event := range dedupedEvents {
		w, created := s.store.Upsert(&domain.Webhook{
			WebhookID: uuid.New().String(),
			Event:     event,
			URL:       req.URL,
			CreatedAt: now,
		})
		if created {
			anyCreated = true
		}
		webhooks = append(webhooks, w)
	}

	return webhooks, anyCreated, nil
}

// List returns all webhook subscriptions.
func (s *WebhookService) List() []*domain.Webhook {
	return s.store.List()
}

// ListByEvent returns the subscriptions for one event type. An unknown
// event is a validation error.
func (s *WebhookService) ListByEvent(event string) ([]*domain.Webhook, error) {
	if !validWebhookEvents[event] {
		return nil, &domain.ValidationError{Message: unknownEventMessage(event)}
	}
	return s.store.ListByEvent(event), nil
}

func unknownEventMessage(event string) string {
	return "Unknown event type: " + event + ". Must be one of: holding.updated, holding.closed, order.rejected"
}

// Delete removes a webhook subscription by ID.
func (s *WebhookService) Delete(webhookID string) error {
	return s.store.Delete(webhookID)
}

// eventPayload is the JSON envelope of every webhook.
type eventPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

type holdingEventData struct {
	OrderID     string          `json:"order_id"`
	Instrument  string          `json:"instrument"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	LastPrice   decimal.Decimal `json:"last_price"`
}

type orderRejectedData struct {
	OrderID    string          `json:"order_id"`
	Instrument string          `json:"instrument"`
	Side       domain.Side     `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Reason     string          `json:"reason"`
}

// DispatchHoldingUpdated notifies holding.updated subscribers.
// Fire-and-forget.
func (s *WebhookService) DispatchHoldingUpdated(orderID string, h domain.Holding) {
	s.dispatch(domain.EventHoldingUpdated, newHoldingEventData(orderID, h))
}

// DispatchHoldingClosed notifies holding.closed subscribers that the
// position in h.Instrument went to zero. Fire-and-forget.
func (s *WebhookService) DispatchHoldingClosed(orderID string, h domain.Holding) {
	s.dispatch(domain.EventHoldingClosed, newHoldingEventData(orderID, h))
}

// DispatchOrderRejected notifies order.rejected subscribers. Fire-and-forget.
func (s *WebhookService) DispatchOrderRejected(o domain.Order, reason string) {
	s.dispatch(domain.EventOrderRejected, orderRejectedData{
		OrderID:    o.OrderID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      o.Price,
		Reason:     reason,
	})
}

func newHoldingEventData(orderID string, h domain.Holding) holdingEventData {
	return holdingEventData{
		OrderID:     orderID,
		Instrument:  h.Instrument,
		Quantity:    h.Quantity,
		AverageCost: h.AverageCost,
		LastPrice:   h.LastPrice,
	}
}

func (s *WebhookService) dispatch(event string, data any) {
	subscribers := s.store.ListByEvent(event)
	if len(subscribers) == 0 {
		return
	}
	payload := eventPayload{
		Event:     event,
		Timestamp: time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		Data:      data,
	}
	for _, wh := range subscribers {
		s.inflight.Add(1)
		go func(wh *domain.Webhook) {
			defer s.inflight.Done()
			s.deliver(wh, event, payload)
		}(wh)
	}
}

// Wait blocks until every delivery started so far has finished.
func (s *WebhookService) Wait() {
	s.inflight.Wait()
}

// deliver sends the webhook payload via HTTP POST with the required headers.
// Failures are logged and counted, never retried.
func (s *WebhookService) deliver(wh *domain.Webhook, eventType string, payload eventPayload) {
	ok := false
	defer func() {
		if s.observer != nil {
			s.observer.ObserveDelivery(eventType, ok)
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", uuid.New().String())
	req.Header.Set("X-Webhook-Id", wh.WebhookID)
	req.Header.Set("X-Event-Type", eventType)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed",
			slog.String("webhook_id", wh.WebhookID),
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	resp.Body.Close()
	ok = resp.StatusCode < 300
	if !ok {
		s.logger.Warn("webhook rejected",
			slog.String("webhook_id", wh.WebhookID),
			slog.String("event", eventType),
			slog.Int("status", resp.StatusCode),
		)
	}
}
