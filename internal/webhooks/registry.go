// Package webhooks delivers server events to customer-registered HTTP
// endpoints. Subscriptions are project-scoped; payloads are signed with a
// per-subscription secret so receivers can verify origin.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kontext/backend/internal/events"
)

// WebhookEmitter dispatches webhook events. Both the in-memory Dispatcher
// and the Cloud Tasks CloudDispatcher satisfy this interface.
type WebhookEmitter interface {
	Emit(eventType EventType, projectID string, data map[string]interface{})
	Shutdown()
}

// EventType names an event a subscription can listen for. The values are
// the server's internal event types.
type EventType string

// SubscribableEvents is the set of event types a webhook may subscribe to.
var SubscribableEvents = map[EventType]bool{
	events.EventActionIngested:  true,
	events.EventTaskCreated:     true,
	events.EventTaskConfirmed:   true,
	events.EventTaskFailed:      true,
	events.EventAnomalyDetected: true,
	events.EventBillingUpdated:  true,
}

// WebhookSubscription is one registered endpoint.
type WebhookSubscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"secret,omitempty"`
	Active    bool        `json:"active"`
	ProjectID string      `json:"projectId"`
	CreatedAt time.Time   `json:"createdAt"`
	FailCount int         `json:"failCount"`
}

// WebhookEvent is the payload POSTed to subscribers.
type WebhookEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	ProjectID string                 `json:"projectId"`
	Data      map[string]interface{} `json:"data"`
}

// Registry stores webhook subscriptions and their per-event index.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*WebhookSubscription // id -> subscription
	byEvent map[EventType][]*WebhookSubscription
	logger  *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*WebhookSubscription),
		byEvent: make(map[EventType][]*WebhookSubscription),
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register validates and stores a subscription, assigning its id.
func (r *Registry) Register(sub *WebhookSubscription) error {
	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, evt := range sub.Events {
		if !SubscribableEvents[evt] {
			return fmt.Errorf("unknown event type: %s", evt)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == "" {
		sub.ID = fmt.Sprintf("wh_%s", uuid.New().String())
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("Registered webhook %s -> %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a subscription. The project must own it.
func (r *Registry) Unregister(projectID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok || sub.ProjectID != projectID {
		return fmt.Errorf("webhook %s not found", id)
	}

	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := make([]*WebhookSubscription, 0, len(r.byEvent[evt]))
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("Unregistered webhook %s", id)
	return nil
}

// GetSubscribers returns the active subscriptions for an event type.
func (r *Registry) GetSubscribers(eventType EventType) []*WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*WebhookSubscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// ListByProject returns the project's subscriptions, secrets omitted.
func (r *Registry) ListByProject(projectID string) []WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]WebhookSubscription, 0)
	for _, sub := range r.hooks {
		if sub.ProjectID != projectID {
			continue
		}
		s := *sub
		s.Secret = ""
		result = append(result, s)
	}
	return result
}

// MarkFailed increments the failure count and disables the subscription
// after 10 failed deliveries.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("Webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// SignPayload computes the hex HMAC-SHA256 of the payload under the
// subscription secret. Receivers compare it against X-Kontext-Signature.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
