// Package events carries the server's internal event stream. Every state
// change of interest (ingested actions, task transitions, detected
// anomalies, billing updates) is published as a CloudEvents 1.0 envelope
// and fanned out to in-process subscribers; an optional Pub/Sub backend
// adds durable cross-service delivery.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the server core.
const (
	EventActionIngested  = "kontext.action.ingested"
	EventTaskCreated     = "kontext.task.created"
	EventTaskConfirmed   = "kontext.task.confirmed"
	EventTaskFailed      = "kontext.task.failed"
	EventAnomalyDetected = "kontext.anomaly.detected"
	EventBillingUpdated  = "kontext.billing.updated"
)

// eventSource identifies this service as the CloudEvents producer.
const eventSource = "kontext/api"

// EventEmitter publishes project-scoped events. Both the in-memory EventBus
// and PubSubEventBus satisfy this interface.
type EventEmitter interface {
	Emit(eventType, projectID, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope used for every event.
// ProjectID is carried as an extension attribute so consumers can filter
// per tenant without parsing the payload.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	ProjectID   string                 `json:"projectid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent builds a CloudEvents 1.0 compliant envelope.
func NewCloudEvent(eventType, projectID, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      eventSource,
		ID:          fmt.Sprintf("evt_%s", uuid.New().String()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		ProjectID:   projectID,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// EventBus is an in-process pub/sub bus. Delivery is best-effort: a
// subscriber whose buffer is full misses the event rather than blocking
// the producer.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

// NewEventBus creates an in-memory bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types.
// Pass no types to receive every event.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)

	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes the channel from every subscription list and closes it.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		filtered := make([]chan *CloudEvent, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}

	filtered := make([]chan *CloudEvent, 0, len(eb.allSubs))
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered

	close(ch)
}

// Publish delivers the event to all matching subscribers without blocking.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// subscriber buffer full, drop
		}
	}

	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event in one call.
func (eb *EventBus) Emit(eventType, projectID, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, projectID, subject, data))
}

// SubscriberCount returns the number of active subscriber channels.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}

var _ EventEmitter = (*EventBus)(nil)
