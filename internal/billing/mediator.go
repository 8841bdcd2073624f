package billing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/plans"
)

// ErrNotConfigured is returned when a billing operation runs without
// provider credentials.
var ErrNotConfigured = errors.New("billing is not configured")

// Config carries the provider credentials and URLs the mediator needs.
type Config struct {
	WebhookSecret string
	ProPriceID    string
	AppURL        string
	Tolerance     time.Duration
}

// Mediator verifies provider webhooks, translates events into plan
// mutations on the ledger, and wraps the synchronous checkout and portal
// calls.
type Mediator struct {
	cfg     Config
	ledger  *plans.Ledger
	client  *StripeClient
	emitter events.EventEmitter
	logger  *log.Logger
	now     func() time.Time
}

// NewMediator creates a mediator. client may be nil when no provider key
// is configured; the synchronous operations then fail with
// ErrNotConfigured while webhook verification still works.
func NewMediator(cfg Config, ledger *plans.Ledger, client *StripeClient, emitter events.EventEmitter) *Mediator {
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	return &Mediator{
		cfg:     cfg,
		ledger:  ledger,
		client:  client,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
		now:     time.Now,
	}
}

// CreateCheckout starts a pro-plan checkout for the key and returns the
// hosted redirect URL.
func (m *Mediator) CreateCheckout(ctx context.Context, apiKey string, seats int, email string) (string, error) {
	if m.client == nil || m.cfg.ProPriceID == "" {
		return "", ErrNotConfigured
	}

	session, err := m.client.CreateCheckoutSession(ctx, CheckoutParams{
		PriceID:    m.cfg.ProPriceID,
		Quantity:   seats,
		SuccessURL: m.cfg.AppURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  m.cfg.AppURL + "/pricing",
		APIKey:     apiKey,
		Email:      email,
	})
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

// CreatePortal starts a customer-portal session and returns its URL.
func (m *Mediator) CreatePortal(ctx context.Context, customerID string) (string, error) {
	if m.client == nil {
		return "", ErrNotConfigured
	}

	session, err := m.client.CreatePortalSession(ctx, customerID, m.cfg.AppURL+"/dashboard")
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

// ResolveCheckout retrieves a completed checkout session's customer and
// subscription ids.
func (m *Mediator) ResolveCheckout(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	if m.client == nil {
		return nil, ErrNotConfigured
	}
	return m.client.GetCheckoutSession(ctx, sessionID)
}
