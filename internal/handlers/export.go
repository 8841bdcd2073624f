package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/store"
)

// HandleAuditExport exports the project's audit trail as JSON (default) or
// CSV (?format=csv). Optional agentId/startDate/endDate narrow the window.
func HandleAuditExport(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		q := r.URL.Query()
		data := st.GetExportData(projectID, store.ExportFilter{
			AgentID:   q.Get("agentId"),
			StartDate: q.Get("startDate"),
			EndDate:   q.Get("endDate"),
		})

		if q.Get("format") == "csv" {
			writeCSV(w, data)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"projectId":  projectID,
			"exportedAt": time.Now().UTC().Format(time.RFC3339),
			"actions":    data.Actions,
			"tasks":      data.Tasks,
			"anomalies":  data.Anomalies,
		})
	}
}

// writeCSV renders the actions as one row per record. Only the description
// is quoted; the other columns are machine-generated and comma-free.
func writeCSV(w http.ResponseWriter, data store.ExportData) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="kontext-audit.csv"`)

	var b strings.Builder
	b.WriteString("id,timestamp,type,agentId,description\n")
	for _, a := range data.Actions {
		fmt.Fprintf(&b, "%s,%s,%s,%s,%s\n", a.ID, a.Timestamp, a.Type, a.AgentID, csvQuote(a.Description))
	}
	w.Write([]byte(b.String()))
}

// csvQuote wraps the field in quotes, doubling embedded quotes per RFC 4180.
func csvQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
