package store

import (
	"sort"
	"sync"

	"github.com/efreitasn/holdings/internal/domain"
)

// WebhookStore is a thread-safe in-memory store for webhooks.
// Primary index: webhook_id → webhook.
// Secondary index: event → url → webhook.
type WebhookStore struct {
	mu       sync.RWMutex
	webhooks map[string]*domain.Webhook
	byEvent  map[string]map[string]*domain.Webhook
}

// NewWebhookStore creates an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		webhooks: make(map[string]*domain.Webhook),
		byEvent:  make(map[string]map[string]*domain.Webhook),
	}
}

// Upsert inserts a subscription keyed by (event, url). If one already
// exists, the stored webhook is returned unchanged along with false.
func (s *WebhookStore) Upsert(w *domain.Webhook) (*domain.Webhook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if urls, ok := s.byEvent[w.Event]; ok {
		if existing, ok := urls[w.URL]; ok {
			return existing, false
		}
	}

	s.webhooks[w.WebhookID] = w
	if s.byEvent[w.Event] == nil {
		s.byEvent[w.Event] = make(map[string]*domain.Webhook)
	}
	s.byEvent[w.Event][w.URL] = w
	return w, true
}

// Get retrieves a webhook by ID. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Get(id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	return w, nil
}

// List returns all webhooks ordered by creation time, then ID.
func (s *WebhookStore) List() []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		result = append(result, w)
	}
	sortByCreation(result)
	return result
}

// ListByEvent returns the subscriptions for one event type, ordered like
// List.
func (s *WebhookStore) ListByEvent(event string) []*domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()

	urls := s.byEvent[event]
	result := make([]*domain.Webhook, 0, len(urls))
	for _, w := range urls {
		result = append(result, w)
	}
	sortByCreation(result)
	return result
}

func sortByCreation(ws []*domain.Webhook) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].WebhookID < ws[j].WebhookID
	})
}

// Delete removes a webhook by ID from both indexes. It returns
// domain.ErrWebhookNotFound if the webhook does not exist.
func (s *WebhookStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	delete(s.webhooks, id)

	if urls, ok := s.byEvent[w.Event]; ok {
		delete(urls, w.URL)
		if len(urls) == 0 {
			delete(s.byEvent, w.Event)
		}
	}
	return nil
}
