package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/trust"
)

// HandleTrustScore computes the agent's trust score on demand.
func HandleTrustScore(scorer *trust.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		score := scorer.Compute(projectID, mux.Vars(r)["agentId"])
		writeJSON(w, http.StatusOK, score)
	}
}
