// Package anomaly evaluates candidate transactions against the server's
// rule catalogue. Rules run independently; each produces at most one
// anomaly per invocation, and every produced anomaly is persisted and
// debited against the agent's trust aggregate by the store.
package anomaly

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kontext/backend/internal/core"
	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/store"
)

// Rule thresholds. The hosted rule catalogue has more rules behind plan
// gates; the core ships these two.
const (
	unusualAmountThreshold  = 10_000
	frequencySpikeThreshold = 30
)

// Candidate is one transaction under evaluation. Body carries the full
// request payload verbatim so rule hits can preserve their context.
type Candidate struct {
	AgentID   string
	Amount    float64
	HasAmount bool
	TxHash    string
	Body      map[string]interface{}
}

// ParseAmount accepts the JSON-number and decimal-string forms of amount.
func ParseAmount(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Rule is one detection in the catalogue. A rule may consult the store for
// history and returns nil when the candidate is unremarkable.
type Rule interface {
	Type() core.AnomalyType
	Evaluate(projectID string, c Candidate, now time.Time, st store.Store) *core.AnomalyRecord
}

// Evaluator runs the rule catalogue. It reads recent history from the
// store and writes rule hits back through it.
type Evaluator struct {
	store   store.Store
	emitter events.EventEmitter
	rules   []Rule
	logger  *log.Logger
	now     func() time.Time
}

// NewEvaluator creates an evaluator with the core rules registered.
func NewEvaluator(st store.Store, emitter events.EventEmitter) *Evaluator {
	return &Evaluator{
		store:   st,
		emitter: emitter,
		rules:   []Rule{unusualAmountRule{}, frequencySpikeRule{}},
		logger:  log.New(log.Writer(), "[ANOMALY] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Register appends a rule to the catalogue. Plan-gated rules hook in here
// without touching evaluation.
func (e *Evaluator) Register(r Rule) {
	e.rules = append(e.rules, r)
}

// Evaluate runs every rule against the candidate, persists each produced
// anomaly, and returns them. The returned slice is never nil.
func (e *Evaluator) Evaluate(projectID string, c Candidate) []core.AnomalyRecord {
	now := e.now().UTC()
	anomalies := []core.AnomalyRecord{}

	for _, rule := range e.rules {
		hit := rule.Evaluate(projectID, c, now, e.store)
		if hit == nil {
			continue
		}

		hit.ProjectID = projectID
		e.store.AddAnomaly(projectID, *hit)

		e.emitter.Emit(events.EventAnomalyDetected, projectID, c.AgentID, map[string]interface{}{
			"anomalyId": hit.ID,
			"agentId":   c.AgentID,
			"type":      string(hit.Type),
			"severity":  string(hit.Severity),
		})
		e.logger.Printf("Flagged %s for agent %s (severity=%s)", hit.Type, c.AgentID, hit.Severity)

		anomalies = append(anomalies, *hit)
	}

	return anomalies
}

// unusualAmountRule flags transactions strictly above the amount threshold.
// The full request body rides along as the anomaly data.
type unusualAmountRule struct{}

func (unusualAmountRule) Type() core.AnomalyType { return core.AnomalyUnusualAmount }

func (unusualAmountRule) Evaluate(projectID string, c Candidate, now time.Time, st store.Store) *core.AnomalyRecord {
	if !c.HasAmount || c.Amount <= unusualAmountThreshold {
		return nil
	}

	return &core.AnomalyRecord{
		ID:          newAnomalyID(),
		Type:        core.AnomalyUnusualAmount,
		Severity:    amountSeverity(c.Amount),
		Description: fmt.Sprintf("Unusually large transaction amount: %s", formatAmount(c.Amount)),
		AgentID:     c.AgentID,
		ActionID:    c.TxHash,
		DetectedAt:  now,
		Data:        c.Body,
	}
}

// frequencySpikeRule counts the agent's actions in the last hour
// (timestamp >= now - 1h) and flags counts strictly above the threshold.
type frequencySpikeRule struct{}

func (frequencySpikeRule) Type() core.AnomalyType { return core.AnomalyFrequencySpike }

func (frequencySpikeRule) Evaluate(projectID string, c Candidate, now time.Time, st store.Store) *core.AnomalyRecord {
	actions := st.GetActions(projectID, store.ActionFilter{AgentID: c.AgentID})

	cutoff := now.Add(-time.Hour)
	count := 0
	for _, a := range actions {
		ts, err := time.Parse(time.RFC3339, a.Timestamp)
		if err != nil {
			continue
		}
		if !ts.Before(cutoff) {
			count++
		}
	}

	if count <= frequencySpikeThreshold {
		return nil
	}

	return &core.AnomalyRecord{
		ID:          newAnomalyID(),
		Type:        core.AnomalyFrequencySpike,
		Severity:    frequencySeverity(count),
		Description: fmt.Sprintf("High action frequency: %d actions in the last hour", count),
		AgentID:     c.AgentID,
		DetectedAt:  now,
		Data: map[string]interface{}{
			"count":     count,
			"threshold": frequencySpikeThreshold,
		},
	}
}

func newAnomalyID() string {
	return fmt.Sprintf("anom_%s", uuid.New().String())
}

func amountSeverity(amount float64) core.Severity {
	switch {
	case amount > 50_000:
		return core.SeverityCritical
	case amount > 25_000:
		return core.SeverityHigh
	default:
		return core.SeverityMedium
	}
}

func frequencySeverity(count int) core.Severity {
	switch {
	case count > 100:
		return core.SeverityCritical
	case count > 60:
		return core.SeverityHigh
	default:
		return core.SeverityMedium
	}
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
