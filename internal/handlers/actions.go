package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kontext/backend/internal/core"
	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/monitoring"
	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/plans"
	"github.com/kontext/backend/internal/store"
)

// ingestRequest keeps records as raw maps: known fields are lifted out and
// everything else folds into metadata so transaction payloads round-trip.
type ingestRequest struct {
	Actions []map[string]interface{} `json:"actions"`
}

// actionFields are the top-level keys of an action record; all other keys
// fold into metadata.
var actionFields = map[string]bool{
	"id":            true,
	"timestamp":     true,
	"projectId":     true,
	"agentId":       true,
	"correlationId": true,
	"type":          true,
	"description":   true,
	"metadata":      true,
}

// HandleIngestActions batch-ingests action records, meters them against the
// key's plan, and answers with the usage headers. Over-limit batches are
// still recorded; the response switches to the 429 upgrade prompt.
func HandleIngestActions(st store.Store, ledger *plans.Ledger, emitter events.EventEmitter, metrics *monitoring.Metrics, upgradeURL string, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		apiKey, _ := multitenancy.GetAPIKey(r.Context())

		var req ingestRequest
		if !decodeBody(w, r, &req, verbose) {
			return
		}
		if len(req.Actions) == 0 {
			writeError(w, http.StatusBadRequest, `Request body must contain "actions" array`)
			return
		}

		now := time.Now().UTC()
		records := make([]core.ActionRecord, 0, len(req.Actions))
		for i, raw := range req.Actions {
			record, err := buildActionRecord(raw, projectID, now)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Action at index %d: %s", i, err))
				return
			}
			records = append(records, record)
		}

		received := st.AddActions(projectID, records)
		usage, exceeded := ledger.Track(apiKey, int64(received))
		limit := core.EffectiveLimit(usage.Plan, usage.Seats)

		w.Header().Set("X-Kontext-Usage", strconv.FormatInt(usage.EventCount, 10))
		if limit == core.UnlimitedEvents {
			w.Header().Set("X-Kontext-Limit", "unlimited")
		} else {
			w.Header().Set("X-Kontext-Limit", strconv.FormatInt(limit, 10))
		}

		metrics.RecordIngest(projectID, received)
		metrics.SetProjectUsage(projectID, string(usage.Plan), usage.EventCount)

		emitter.Emit(events.EventActionIngested, projectID, "", map[string]interface{}{
			"received": received,
		})

		if exceeded {
			metrics.RecordUsageExceeded(string(usage.Plan))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"success":       true,
				"received":      received,
				"timestamp":     now.Format(time.RFC3339),
				"limitExceeded": true,
				"message": fmt.Sprintf(
					"Monthly event limit of %d exceeded on the %s plan. Upgrade at %s to keep recording.",
					limit, usage.Plan, upgradeURL),
				"usage": map[string]interface{}{
					"plan":       usage.Plan,
					"eventCount": usage.EventCount,
					"limit":      limit,
				},
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"received":  received,
			"timestamp": now.Format(time.RFC3339),
		})
	}
}

// buildActionRecord lifts the known fields out of a raw record and folds the
// rest into metadata. Server time fills a missing timestamp.
func buildActionRecord(raw map[string]interface{}, projectID string, now time.Time) (core.ActionRecord, error) {
	id, _ := raw["id"].(string)
	actionType, _ := raw["type"].(string)
	agentID, _ := raw["agentId"].(string)
	if id == "" || actionType == "" || agentID == "" {
		return core.ActionRecord{}, fmt.Errorf("missing required fields (id, type, agentId)")
	}

	record := core.ActionRecord{
		ID:        id,
		ProjectID: projectID,
		AgentID:   agentID,
		Type:      actionType,
	}

	if ts, ok := raw["timestamp"].(string); ok && ts != "" {
		record.Timestamp = ts
	} else {
		record.Timestamp = now.Format(time.RFC3339)
	}
	record.CorrelationID, _ = raw["correlationId"].(string)
	record.Description, _ = raw["description"].(string)

	metadata, _ := raw["metadata"].(map[string]interface{})
	for key, value := range raw {
		if actionFields[key] {
			continue
		}
		if metadata == nil {
			metadata = make(map[string]interface{})
		}
		metadata[key] = value
	}
	record.Metadata = metadata

	return record, nil
}
