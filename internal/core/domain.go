package core

import "time"

// ActionRecord is an immutable log entry for one agent activity.
// Timestamp stays a string: RFC3339 is lexicographically orderable, which is
// what the store's date filters compare against.
type ActionRecord struct {
	ID            string                 `json:"id"`
	Timestamp     string                 `json:"timestamp"`
	ProjectID     string                 `json:"projectId"`
	AgentID       string                 `json:"agentId"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Type          string                 `json:"type"` // "transaction" is the distinguished value-movement variant
	Description   string                 `json:"description,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ActionTypeTransaction marks the value-movement action variant. Transaction
// records carry txHash/chain/amount/token/from/to in their metadata.
const ActionTypeTransaction = "transaction"

// TaskStatus is the lifecycle state of a confirmation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskConfirmed TaskStatus = "confirmed"
	TaskFailed    TaskStatus = "failed"
	TaskExpired   TaskStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskConfirmed, TaskFailed, TaskExpired:
		return true
	}
	return false
}

// Task is a unit of work requiring human or agent confirmation before the
// underlying activity is considered approved.
type Task struct {
	ID               string                 `json:"id"`
	ProjectID        string                 `json:"projectId"`
	AgentID          string                 `json:"agentId"`
	Description      string                 `json:"description"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
	Status           TaskStatus             `json:"status"`
	RequiredEvidence []string               `json:"requiredEvidence"`
	ProvidedEvidence map[string]interface{} `json:"providedEvidence,omitempty"`
	FailureReason    string                 `json:"failureReason,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	ConfirmedAt      *time.Time             `json:"confirmedAt,omitempty"`
	ExpiresAt        time.Time              `json:"expiresAt"`
}

// AgentTrustAggregate is the incrementally maintained counter set for one
// (projectId, agentId) pair. Counters only ever grow.
type AgentTrustAggregate struct {
	ProjectID        string    `json:"projectId"`
	AgentID          string    `json:"agentId"`
	ActionCount      int64     `json:"actionCount"`
	TransactionCount int64     `json:"transactionCount"`
	AnomalyCount     int64     `json:"anomalyCount"`
	ConfirmedTasks   int64     `json:"confirmedTasks"`
	FailedTasks      int64     `json:"failedTasks"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// AnomalyType identifies which rule produced an anomaly.
type AnomalyType string

const (
	AnomalyUnusualAmount  AnomalyType = "unusualAmount"
	AnomalyFrequencySpike AnomalyType = "frequencySpike"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnomalyRecord is produced by the evaluator and persisted by the store.
type AnomalyRecord struct {
	ID          string                 `json:"id"`
	Type        AnomalyType            `json:"type"`
	Severity    Severity               `json:"severity"`
	Description string                 `json:"description"`
	AgentID     string                 `json:"agentId"`
	ActionID    string                 `json:"actionId,omitempty"`
	ProjectID   string                 `json:"projectId"`
	DetectedAt  time.Time              `json:"detectedAt"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Reviewed    bool                   `json:"reviewed"`
}

// Plan is the subscription tier attached to an API key.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// ParsePlan maps a configuration string to a Plan.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanFree, PlanPro, PlanEnterprise:
		return Plan(s), true
	}
	return "", false
}

// Monthly event budgets per seat.
const (
	FreeMonthlyEvents int64 = 20_000
	ProMonthlyEvents  int64 = 100_000

	// UnlimitedEvents is the sentinel effective limit for the enterprise
	// plan. JSON carries -1; the X-Kontext-Limit header carries "unlimited".
	UnlimitedEvents int64 = -1
)

// EffectiveLimit is the single source of plan→cap policy: enterprise is
// unbounded, pro scales linearly with seats, free is pinned to one seat.
func EffectiveLimit(plan Plan, seats int) int64 {
	if seats < 1 {
		seats = 1
	}
	switch plan {
	case PlanEnterprise:
		return UnlimitedEvents
	case PlanPro:
		return ProMonthlyEvents * int64(seats)
	default:
		return FreeMonthlyEvents
	}
}

// APIKeyUsage is the per-key metering record owned by the plan ledger.
type APIKeyUsage struct {
	Plan               Plan      `json:"plan"`
	Seats              int       `json:"seats"`
	EventCount         int64     `json:"eventCount"`
	BillingPeriodStart time.Time `json:"billingPeriodStart"`
}
