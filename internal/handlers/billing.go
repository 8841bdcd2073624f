package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/kontext/backend/internal/billing"
	"github.com/kontext/backend/internal/circuitbreaker"
	"github.com/kontext/backend/internal/monitoring"
	"github.com/kontext/backend/internal/multitenancy"
)

// maxWebhookBody bounds provider payloads; real events are a few KB.
const maxWebhookBody = 1 << 20

type checkoutRequest struct {
	APIKey string `json:"apiKey"`
	Seats  int    `json:"seats"`
	Email  string `json:"email"`
}

// HandleCheckout starts a subscription checkout. The route is outside the
// authenticated surface (the caller is upgrading, possibly from a free key),
// so the key arrives in the body and is validated against the registry.
func HandleCheckout(mediator *billing.Mediator, registry *multitenancy.KeyRegistry, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkoutRequest
		if !decodeBody(w, r, &req, verbose) {
			return
		}
		if req.APIKey == "" {
			writeError(w, http.StatusBadRequest, "Missing required field: apiKey")
			return
		}
		if !registry.Validate(req.APIKey) {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		if req.Seats < 1 {
			req.Seats = 1
		}

		url, err := mediator.CreateCheckout(r.Context(), req.APIKey, req.Seats, req.Email)
		if err != nil {
			writeBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

type portalRequest struct {
	CustomerID string `json:"customerId"`
}

// HandlePortal starts a customer-portal session for subscription management.
func HandlePortal(mediator *billing.Mediator, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req portalRequest
		if !decodeBody(w, r, &req, verbose) {
			return
		}
		if req.CustomerID == "" {
			writeError(w, http.StatusBadRequest, "Missing required field: customerId")
			return
		}

		url, err := mediator.CreatePortal(r.Context(), req.CustomerID)
		if err != nil {
			writeBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// HandleProviderWebhook receives signed billing events. Signature failures
// are 400 so the provider retries; unknown event types are 200 handled:false
// so it does not.
func HandleProviderWebhook(mediator *billing.Mediator, metrics *monitoring.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Unable to read request body")
			return
		}

		result, err := mediator.HandleWebhook(payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			if billing.IsVerificationError(err) {
				writeError(w, http.StatusBadRequest, "Webhook signature verification failed")
			} else {
				writeError(w, http.StatusBadRequest, "Invalid webhook payload")
			}
			return
		}

		metrics.RecordWebhookEvent(result.Type, result.Handled)
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleCheckoutSuccess resolves a completed checkout session back to its
// customer and subscription ids.
func HandleCheckoutSuccess(mediator *billing.Mediator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "Missing session_id query parameter")
			return
		}

		session, err := mediator.ResolveCheckout(r.Context(), sessionID)
		if err != nil {
			writeBillingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"customerId":     session.Customer,
			"subscriptionId": session.Subscription,
			"status":         session.Status,
		})
	}
}

// writeBillingError maps provider-side failures onto the error taxonomy.
func writeBillingError(w http.ResponseWriter, err error) {
	var providerErr *billing.ProviderError
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Billing is not configured")
	case errors.As(err, &providerErr):
		writeError(w, http.StatusBadGateway, providerErr.Message)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		writeError(w, http.StatusBadGateway, "Payments provider temporarily unavailable")
	default:
		writeError(w, http.StatusBadGateway, "Payments provider request failed")
	}
}
