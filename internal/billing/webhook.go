package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kontext/backend/internal/core"
	"github.com/kontext/backend/internal/events"
)

// DefaultTolerance bounds how old a webhook timestamp may be.
const DefaultTolerance = 300 * time.Second

var (
	ErrInvalidSignatureHeader = errors.New("webhook signature header is malformed")
	ErrStaleTimestamp         = errors.New("webhook timestamp is outside the tolerance window")
	ErrSignatureMismatch      = errors.New("no matching webhook signature")
)

// IsVerificationError reports whether the error came from signature
// verification rather than payload decoding.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrInvalidSignatureHeader) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrSignatureMismatch)
}

// signedHeader is the parsed form of "t=<unix>,v1=<hex>[,v1=<hex>...]".
type signedHeader struct {
	timestamp  time.Time
	signatures [][]byte
}

func parseSignatureHeader(header string) (*signedHeader, error) {
	if header == "" {
		return nil, ErrInvalidSignatureHeader
	}

	sh := &signedHeader{}
	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, ErrInvalidSignatureHeader
		}

		switch strings.TrimSpace(parts[0]) {
		case "t":
			unix, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, ErrInvalidSignatureHeader
			}
			sh.timestamp = time.Unix(unix, 0)
		case "v1":
			sig, err := hex.DecodeString(parts[1])
			if err != nil {
				// Undecodable signature elements are skipped, not fatal
				continue
			}
			sh.signatures = append(sh.signatures, sig)
		default:
			// Other schemes (v0) are ignored
		}
	}

	if sh.timestamp.IsZero() || len(sh.signatures) == 0 {
		return nil, ErrInvalidSignatureHeader
	}
	return sh, nil
}

// VerifySignature checks the provider signature header over the raw
// request body: the header must parse, the timestamp must be within
// tolerance of now, and at least one v1 element must match the HMAC-SHA256
// of "{timestamp}.{body}" under the secret. Comparison is constant-time.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	sh, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 && now.Sub(sh.timestamp) > tolerance {
		return ErrStaleTimestamp
	}

	expected := computeSignature(sh.timestamp, payload, secret)
	for _, sig := range sh.signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func computeSignature(t time.Time, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", t.Unix())
	mac.Write(payload)
	return mac.Sum(nil)
}

// WebhookResult is returned to the provider after processing an event.
// Unknown event types come back with Handled false and a 2xx status so the
// provider does not retry them.
type WebhookResult struct {
	Type    string                 `json:"type"`
	Handled bool                   `json:"handled"`
	Action  string                 `json:"action,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// providerEvent is the envelope the provider posts.
type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object map[string]interface{} `json:"object"`
	} `json:"data"`
}

// HandleWebhook verifies the signed payload and applies the event's plan
// mutation. Verification failures return an error; unknown event types do
// not.
func (m *Mediator) HandleWebhook(payload []byte, header string) (WebhookResult, error) {
	if err := VerifySignature(payload, header, m.cfg.WebhookSecret, m.cfg.Tolerance, m.now()); err != nil {
		return WebhookResult{}, err
	}

	var evt providerEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return WebhookResult{}, fmt.Errorf("decode event: %w", err)
	}

	result := WebhookResult{Type: evt.Type}
	obj := evt.Data.Object

	switch evt.Type {
	case "checkout.session.completed":
		result.Handled = true
		result.Action = "activate_pro"

		seats := seatCount(obj)
		if apiKey := metadataValue(obj, "apiKey"); apiKey != "" {
			usage := m.ledger.SetPlan(apiKey, core.PlanPro, seats)
			m.emitBillingUpdate(evt.ID, "activate_pro", usage.Plan, usage.Seats)
		} else {
			m.logger.Printf("checkout.session.completed without apiKey metadata: %s", evt.ID)
		}

		result.Data = map[string]interface{}{
			"customer":     stringField(obj, "customer"),
			"subscription": stringField(obj, "subscription"),
			"seats":        seats,
		}

	case "customer.subscription.updated":
		result.Handled = true
		result.Action = "update_subscription"
		result.Data = map[string]interface{}{
			"status":           stringField(obj, "status"),
			"currentPeriodEnd": obj["current_period_end"],
		}

	case "customer.subscription.deleted":
		result.Handled = true
		result.Action = "downgrade_to_free"

		if apiKey := metadataValue(obj, "apiKey"); apiKey != "" {
			usage := m.ledger.SetPlan(apiKey, core.PlanFree, 1)
			m.emitBillingUpdate(evt.ID, "downgrade_to_free", usage.Plan, usage.Seats)
		} else {
			m.logger.Printf("customer.subscription.deleted without apiKey metadata: %s", evt.ID)
		}

	case "invoice.payment_succeeded":
		result.Handled = true
		result.Action = "payment_succeeded"

	case "invoice.payment_failed":
		result.Handled = true
		result.Action = "payment_failed"
		m.logger.Printf("Payment failed for customer %s", stringField(obj, "customer"))

	default:
		result.Handled = false
	}

	return result, nil
}

func (m *Mediator) emitBillingUpdate(eventID, action string, plan core.Plan, seats int) {
	m.logger.Printf("Plan change applied: action=%s plan=%s seats=%d", action, plan, seats)
	m.emitter.Emit(events.EventBillingUpdated, "", eventID, map[string]interface{}{
		"action": action,
		"plan":   string(plan),
		"seats":  seats,
	})
}

func stringField(obj map[string]interface{}, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func metadataValue(obj map[string]interface{}, key string) string {
	meta, ok := obj["metadata"].(map[string]interface{})
	if !ok {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

// seatCount reads metadata.seats, defaulting to one seat.
func seatCount(obj map[string]interface{}) int {
	s := metadataValue(obj, "seats")
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
