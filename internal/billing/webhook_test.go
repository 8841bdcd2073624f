package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontext/backend/internal/core"
	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/plans"
)

const testSecret = "whsec_test"

func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestMediator(t *testing.T) (*Mediator, *plans.Ledger, *recordingEmitter) {
	t.Helper()

	registry, err := multitenancy.NewKeyRegistry([]string{"key_live"}, nil, nil)
	require.NoError(t, err)

	ledger := plans.NewLedger(registry)
	emitter := &recordingEmitter{}
	m := NewMediator(Config{WebhookSecret: testSecret}, ledger, nil, emitter)
	return m, ledger, emitter
}

// ============================================================================
// SIGNATURE VERIFICATION
// ============================================================================

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1","type":"ping"}`)

	t.Run("valid signature passes", func(t *testing.T) {
		header := signPayload(payload, testSecret, now)
		assert.NoError(t, VerifySignature(payload, header, testSecret, DefaultTolerance, now))
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		header := signPayload(payload, "whsec_other", now)
		err := VerifySignature(payload, header, testSecret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("tampered payload is rejected", func(t *testing.T) {
		header := signPayload(payload, testSecret, now)
		err := VerifySignature([]byte(`{"id":"evt_2"}`), header, testSecret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("timestamp at the tolerance edge passes", func(t *testing.T) {
		ts := now.Add(-DefaultTolerance)
		header := signPayload(payload, testSecret, ts)
		assert.NoError(t, VerifySignature(payload, header, testSecret, DefaultTolerance, now))
	})

	t.Run("timestamp past the tolerance is rejected", func(t *testing.T) {
		ts := now.Add(-DefaultTolerance - time.Second)
		header := signPayload(payload, testSecret, ts)
		err := VerifySignature(payload, header, testSecret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	})

	t.Run("zero tolerance disables the staleness check", func(t *testing.T) {
		ts := now.Add(-24 * time.Hour)
		header := signPayload(payload, testSecret, ts)
		assert.NoError(t, VerifySignature(payload, header, testSecret, 0, now))
	})

	t.Run("any matching v1 element passes", func(t *testing.T) {
		header := signPayload(payload, testSecret, now) + ",v1=" + hex.EncodeToString([]byte("bogus"))
		assert.NoError(t, VerifySignature(payload, header, testSecret, DefaultTolerance, now))
	})
}

func TestParseSignatureHeaderRejections(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{}`)

	tests := []struct {
		name   string
		header string
	}{
		{"empty header", ""},
		{"missing timestamp", "v1=deadbeef"},
		{"missing signature", fmt.Sprintf("t=%d", now.Unix())},
		{"non-numeric timestamp", "t=yesterday,v1=deadbeef"},
		{"pair without equals", "t"},
		{"only undecodable signatures", fmt.Sprintf("t=%d,v1=zzzz", now.Unix())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(payload, tt.header, testSecret, DefaultTolerance, now)
			assert.ErrorIs(t, err, ErrInvalidSignatureHeader)
		})
	}
}

func TestIsVerificationError(t *testing.T) {
	assert.True(t, IsVerificationError(ErrInvalidSignatureHeader))
	assert.True(t, IsVerificationError(ErrStaleTimestamp))
	assert.True(t, IsVerificationError(ErrSignatureMismatch))
	assert.False(t, IsVerificationError(errors.New("decode event: unexpected end of JSON input")))
	assert.False(t, IsVerificationError(nil))
}

// ============================================================================
// EVENT HANDLING
// ============================================================================

func TestHandleWebhookCheckoutCompleted(t *testing.T) {
	m, ledger, emitter := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	payload := []byte(`{
		"id": "evt_checkout_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"customer": "cus_123",
			"subscription": "sub_456",
			"metadata": {"apiKey": "key_live", "seats": "3"}
		}}
	}`)

	result, err := m.HandleWebhook(payload, signPayload(payload, testSecret, now))
	require.NoError(t, err)

	assert.True(t, result.Handled)
	assert.Equal(t, "checkout.session.completed", result.Type)
	assert.Equal(t, "activate_pro", result.Action)
	assert.Equal(t, "cus_123", result.Data["customer"])
	assert.Equal(t, "sub_456", result.Data["subscription"])
	assert.Equal(t, 3, result.Data["seats"])

	usage := ledger.GetUsage("key_live")
	assert.Equal(t, core.PlanPro, usage.Plan)
	assert.Equal(t, 3, usage.Seats)

	require.Len(t, emitter.events, 1)
	evt := emitter.events[0]
	assert.Equal(t, events.EventBillingUpdated, evt.eventType)
	assert.Equal(t, "", evt.projectID)
	assert.Equal(t, "evt_checkout_1", evt.subject)
	assert.Equal(t, "activate_pro", evt.data["action"])
	assert.Equal(t, "pro", evt.data["plan"])
	assert.Equal(t, 3, evt.data["seats"])
}

func TestHandleWebhookCheckoutWithoutAPIKey(t *testing.T) {
	m, ledger, emitter := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	payload := []byte(`{
		"id": "evt_checkout_2",
		"type": "checkout.session.completed",
		"data": {"object": {"customer": "cus_123"}}
	}`)

	result, err := m.HandleWebhook(payload, signPayload(payload, testSecret, now))
	require.NoError(t, err)

	// The event is acknowledged but no plan mutation happens.
	assert.True(t, result.Handled)
	assert.Equal(t, 1, result.Data["seats"])
	assert.Equal(t, core.PlanFree, ledger.GetUsage("key_live").Plan)
	assert.Empty(t, emitter.events)
}

func TestHandleWebhookSubscriptionDeleted(t *testing.T) {
	m, ledger, emitter := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ledger.SetPlan("key_live", core.PlanPro, 5)

	payload := []byte(`{
		"id": "evt_sub_del",
		"type": "customer.subscription.deleted",
		"data": {"object": {"metadata": {"apiKey": "key_live"}}}
	}`)

	result, err := m.HandleWebhook(payload, signPayload(payload, testSecret, now))
	require.NoError(t, err)

	assert.True(t, result.Handled)
	assert.Equal(t, "downgrade_to_free", result.Action)

	usage := ledger.GetUsage("key_live")
	assert.Equal(t, core.PlanFree, usage.Plan)
	assert.Equal(t, 1, usage.Seats)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, "downgrade_to_free", emitter.events[0].data["action"])
}

func TestHandleWebhookSubscriptionUpdated(t *testing.T) {
	m, _, _ := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	payload := []byte(`{
		"id": "evt_sub_upd",
		"type": "customer.subscription.updated",
		"data": {"object": {"status": "active", "current_period_end": 1775000000}}
	}`)

	result, err := m.HandleWebhook(payload, signPayload(payload, testSecret, now))
	require.NoError(t, err)

	assert.True(t, result.Handled)
	assert.Equal(t, "update_subscription", result.Action)
	assert.Equal(t, "active", result.Data["status"])
	assert.Equal(t, float64(1775000000), result.Data["currentPeriodEnd"])
}

func TestHandleWebhookPaymentEvents(t *testing.T) {
	m, _, _ := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	tests := []struct {
		eventType string
		action    string
	}{
		{"invoice.payment_succeeded", "payment_succeeded"},
		{"invoice.payment_failed", "payment_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload := []byte(fmt.Sprintf(
				`{"id":"evt_pay","type":"%s","data":{"object":{"customer":"cus_1"}}}`, tt.eventType))

			result, err := m.HandleWebhook(payload, signPayload(payload, testSecret, now))
			require.NoError(t, err)
			assert.True(t, result.Handled)
			assert.Equal(t, tt.action, result.Action)
		})
	}
}

func TestHandleWebhookUnknownEventType(t *testing.T) {
	m, _, emitter := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	payload := []byte(`{"id":"evt_x","type":"customer.created","data":{"object":{}}}`)

	result, err := m.HandleWebhook(payload, signPayload(payload, testSecret, now))
	require.NoError(t, err)

	// Unknown types are acknowledged so the provider stops retrying.
	assert.False(t, result.Handled)
	assert.Equal(t, "customer.created", result.Type)
	assert.Empty(t, emitter.events)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	m, _, emitter := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	payload := []byte(`{"id":"evt_x","type":"checkout.session.completed","data":{"object":{}}}`)

	_, err := m.HandleWebhook(payload, signPayload(payload, "whsec_wrong", now))
	require.Error(t, err)
	assert.True(t, IsVerificationError(err))
	assert.Empty(t, emitter.events)
}

func TestHandleWebhookRejectsUndecodablePayload(t *testing.T) {
	m, _, _ := newTestMediator(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	payload := []byte(`{not json`)

	_, err := m.HandleWebhook(payload, signPayload(payload, testSecret, now))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode event")
	assert.False(t, IsVerificationError(err))
}

func TestSeatCount(t *testing.T) {
	tests := []struct {
		name string
		obj  map[string]interface{}
		want int
	}{
		{"no metadata", map[string]interface{}{}, 1},
		{"no seats key", map[string]interface{}{"metadata": map[string]interface{}{}}, 1},
		{"valid seats", map[string]interface{}{"metadata": map[string]interface{}{"seats": "4"}}, 4},
		{"zero seats", map[string]interface{}{"metadata": map[string]interface{}{"seats": "0"}}, 1},
		{"negative seats", map[string]interface{}{"metadata": map[string]interface{}{"seats": "-2"}}, 1},
		{"garbage seats", map[string]interface{}{"metadata": map[string]interface{}{"seats": "many"}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, seatCount(tt.obj))
		})
	}
}

// ============================================================================
// MOCK EMITTER
// ============================================================================

type emittedEvent struct {
	eventType string
	projectID string
	subject   string
	data      map[string]interface{}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (r *recordingEmitter) Emit(eventType, projectID, subject string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emittedEvent{eventType, projectID, subject, data})
}

var _ events.EventEmitter = (*recordingEmitter)(nil)
