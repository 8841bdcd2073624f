package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kontext/backend/internal/circuitbreaker"
)

// Dispatcher delivers webhook events from a background worker pool. Each
// destination URL gets its own circuit breaker so one dead endpoint cannot
// monopolize the workers with timeouts.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *WebhookSubscription
	event      *WebhookEvent
	attempt    int
}

// NewDispatcher creates a dispatcher and starts its worker pool.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breakers: circuitbreaker.NewManager(nil),
		queue:    make(chan *deliveryJob, 1000),
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Emit queues the event for every matching subscriber in the project.
// Queue overflow drops the delivery rather than blocking the caller.
func (d *Dispatcher) Emit(eventType EventType, projectID string, data map[string]interface{}) {
	subscribers := d.registry.GetSubscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &WebhookEvent{
		ID:        fmt.Sprintf("whevt_%s", uuid.New().String()),
		Type:      eventType,
		Source:    "kontext/api",
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
		Data:      data,
	}

	for _, sub := range subscribers {
		if sub.ProjectID != projectID {
			continue
		}

		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			d.logger.Printf("Queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("Failed to marshal webhook event: %v", err)
		return
	}

	breaker := d.breakers.Get(job.subscriber.URL)
	_, err = breaker.Execute(func() (interface{}, error) {
		return nil, d.post(job, payload)
	})
	if err == nil {
		d.logger.Printf("Webhook delivered: %s -> %s (%s)",
			job.event.Type, job.subscriber.URL, job.event.ID)
		return
	}

	d.registry.MarkFailed(job.subscriber.ID)

	// An open breaker means the endpoint is already known-bad; requeueing
	// would only bounce off it again.
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		d.logger.Printf("Webhook skipped, breaker open: %s", job.subscriber.URL)
		return
	}

	d.logger.Printf("Webhook delivery failed: %s -> %v", job.subscriber.URL, err)

	if job.attempt < 3 {
		time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
		job.attempt++
		select {
		case d.queue <- job:
		default:
		}
	}
}

// post performs one signed delivery attempt.
func (d *Dispatcher) post(job *deliveryJob, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kontext-Event-Type", string(job.event.Type))
	req.Header.Set("X-Kontext-Event-ID", job.event.ID)
	req.Header.Set("X-Kontext-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	if job.subscriber.Secret != "" {
		sig := SignPayload(payload, job.subscriber.Secret)
		req.Header.Set("X-Kontext-Signature", "sha256="+sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ WebhookEmitter = (*Dispatcher)(nil)
