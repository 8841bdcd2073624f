// Package billing mediates between the server and the payments provider:
// verifying signed webhook events, translating them into plan mutations,
// and wrapping the provider's checkout and portal endpoints.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kontext/backend/internal/circuitbreaker"
)

// StripeClient is a minimal client for the three provider operations the
// server needs: create a checkout session, create a portal session, and
// retrieve a completed checkout session. Requests are form-encoded per the
// provider API and guarded by a circuit breaker.
type StripeClient struct {
	secretKey string
	baseURL   string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *log.Logger
}

// NewStripeClient creates a client authenticated with the account secret.
func NewStripeClient(secretKey string) *StripeClient {
	return &StripeClient{
		secretKey: secretKey,
		baseURL:   "https://api.stripe.com/v1",
		client:    &http.Client{Timeout: 10 * time.Second},
		breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig("stripe")),
		logger:    log.New(log.Writer(), "[STRIPE] ", log.LstdFlags),
	}
}

// WithBaseURL points the client at a different API host. Tests use this to
// target a local fake.
func (c *StripeClient) WithBaseURL(u string) *StripeClient {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// CheckoutSession is the subset of the provider session object we read.
type CheckoutSession struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Status       string `json:"status"`
}

// PortalSession is the subset of the provider portal object we read.
type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutParams describe a subscription checkout. APIKey rides in the
// session and subscription metadata so webhook events can be traced back
// to the paying key.
type CheckoutParams struct {
	PriceID    string
	Quantity   int
	SuccessURL string
	CancelURL  string
	APIKey     string
	Email      string
}

// CreateCheckoutSession starts a subscription checkout and returns the
// hosted session, including its redirect URL.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if p.Quantity < 1 {
		p.Quantity = 1
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", p.PriceID)
	form.Set("line_items[0][quantity]", strconv.Itoa(p.Quantity))
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	form.Set("metadata[apiKey]", p.APIKey)
	form.Set("metadata[seats]", strconv.Itoa(p.Quantity))
	form.Set("subscription_data[metadata][apiKey]", p.APIKey)
	form.Set("subscription_data[metadata][seats]", strconv.Itoa(p.Quantity))
	if p.Email != "" {
		form.Set("customer_email", p.Email)
	}

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreatePortalSession starts a customer-portal session for the customer.
func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var session PortalSession
	if err := c.do(ctx, http.MethodPost, "/billing_portal/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetCheckoutSession retrieves a completed checkout session by id.
func (c *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := c.do(ctx, http.MethodGet, "/checkout/sessions/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ProviderError is a non-2xx response from the payments provider.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("stripe: %s (status %d)", e.Message, e.Status)
}

// do runs one provider call through the breaker and decodes the response
// into out.
func (c *StripeClient) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	result, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			c.logger.Printf("Provider error: %s %s -> %d", method, path, resp.StatusCode)
			return nil, &ProviderError{Status: resp.StatusCode, Message: extractProviderError(data)}
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(result.([]byte), out)
}

// extractProviderError pulls the human-readable message out of the
// provider's error envelope.
func extractProviderError(data []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return "provider request failed"
}
