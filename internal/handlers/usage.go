package handlers

import (
	"net/http"
	"time"

	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/plans"
)

// HandleUsage reports the key's plan, usage, and remaining budget for the
// current billing period.
func HandleUsage(ledger *plans.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := multitenancy.GetAPIKey(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		writeJSON(w, http.StatusOK, struct {
			plans.Report
			Timestamp string `json:"timestamp"`
		}{
			Report:    ledger.Report(apiKey),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
