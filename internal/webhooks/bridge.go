package webhooks

import (
	"github.com/kontext/backend/internal/events"
)

// StartBridge consumes the event bus and fans every event out to webhook
// subscribers. Returns a stop function that detaches from the bus and
// waits for the consumer goroutine to exit; call it before shutting down
// the emitter.
func StartBridge(bus *events.EventBus, emitter WebhookEmitter) func() {
	ch := bus.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for evt := range ch {
			emitter.Emit(EventType(evt.Type), evt.ProjectID, evt.Data)
		}
	}()

	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}
