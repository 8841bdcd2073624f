package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/google/uuid"
)

// CloudDispatcher uses Google Cloud Tasks for durable, at-least-once
// webhook delivery. Each Emit enqueues one HTTP task per matching
// subscriber; retry policy, rate limits, and dead-lettering are configured
// on the queue.
//
// When a task cannot be enqueued and a fallback dispatcher exists, the
// event is delivered in-process instead.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher creates a Cloud Tasks-backed dispatcher for the queue
// identified by projectID, locationID, and queueID. If fallbackWorkers > 0
// an in-memory Dispatcher backs it up.
func NewCloudDispatcher(
	registry *Registry,
	projectID, locationID, queueID string,
	fallbackWorkers int,
) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		projectID, locationID, queueID)

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}

	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Printf("Connected to Cloud Tasks queue: %s", queuePath)
	return cd, nil
}

// Emit enqueues one Cloud Task per matching subscriber in the project.
func (cd *CloudDispatcher) Emit(eventType EventType, projectID string, data map[string]interface{}) {
	subscribers := cd.registry.GetSubscribers(eventType)
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

	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("Failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		if sub.ProjectID != projectID {
			continue
		}
		cd.enqueueTask(sub, event, payload)
	}
}

// enqueueTask creates a single Cloud Task for one subscriber.
func (cd *CloudDispatcher) enqueueTask(sub *WebhookSubscription, event *WebhookEvent, payload []byte) {
	headers := map[string]string{
		"Content-Type":               "application/json",
		"X-Kontext-Event-Type":       string(event.Type),
		"X-Kontext-Event-ID":         event.ID,
		"X-Kontext-Delivery-Attempt": "1",
	}

	if sub.Secret != "" {
		sig := SignPayload(payload, sub.Secret)
		headers["X-Kontext-Signature"] = "sha256=" + sig
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Non-blocking: enqueue off the hot path
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("Cloud Task enqueue failed: %s -> %s: %v",
				event.ID, sub.URL, err)

			if cd.fallback != nil {
				cd.logger.Printf("Falling back to in-memory delivery for %s", event.ID)
				cd.fallback.Emit(event.Type, event.ProjectID, event.Data)
			}
			return
		}

		cd.logger.Printf("Enqueued Cloud Task: %s -> %s (task=%s)",
			event.ID, sub.URL, task.GetName())
	}()
}

// Shutdown stops the fallback dispatcher and closes the client.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("Cloud Tasks dispatcher closed")
}

// Stats returns basic telemetry about the dispatcher.
func (cd *CloudDispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"has_fallback": cd.fallback != nil,
	}
}

var _ WebhookEmitter = (*CloudDispatcher)(nil)
