package handlers

import (
	"net/http"
	"time"

	"github.com/kontext/backend/internal/anomaly"
	"github.com/kontext/backend/internal/monitoring"
	"github.com/kontext/backend/internal/multitenancy"
)

// HandleEvaluateAnomalies runs the rule catalogue against one transaction.
// The body is free-form; agentId, amount, and txHash are lifted out and the
// whole payload is preserved on any produced anomaly.
func HandleEvaluateAnomalies(evaluator *anomaly.Evaluator, metrics *monitoring.Metrics, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var body map[string]interface{}
		if !decodeBody(w, r, &body, verbose) {
			return
		}

		candidate := anomaly.Candidate{Body: body}
		candidate.AgentID, _ = body["agentId"].(string)
		candidate.TxHash, _ = body["txHash"].(string)
		if amount, ok := anomaly.ParseAmount(body["amount"]); ok {
			candidate.Amount = amount
			candidate.HasAmount = true
		}

		anomalies := evaluator.Evaluate(projectID, candidate)
		for _, a := range anomalies {
			metrics.RecordAnomaly(string(a.Type), string(a.Severity))
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"evaluated":    true,
			"anomalyCount": len(anomalies),
			"anomalies":    anomalies,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}
