package kontext

import "time"

// Trust levels returned by the scoring endpoint.
const (
	LevelVerified  = "verified"
	LevelHigh      = "high"
	LevelMedium    = "medium"
	LevelLow       = "low"
	LevelUntrusted = "untrusted"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskConfirmed = "confirmed"
	TaskFailed    = "failed"
	TaskExpired   = "expired"
)

// Action is one agent activity to record. ID is filled with a generated
// value when empty; Timestamp is filled by the server when empty.
type Action struct {
	ID            string                 `json:"id,omitempty"`
	Timestamp     string                 `json:"timestamp,omitempty"`
	AgentID       string                 `json:"agentId"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Type          string                 `json:"type"`
	Description   string                 `json:"description,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	// Transaction details ride at the top level of the wire record; the
	// server folds them into metadata.
	TxHash string  `json:"txHash,omitempty"`
	Chain  string  `json:"chain,omitempty"`
	Amount float64 `json:"amount,omitempty"`
	Token  string  `json:"token,omitempty"`
	From   string  `json:"from,omitempty"`
	To     string  `json:"to,omitempty"`
}

// IngestResult reports how an ingest batch landed. LimitExceeded means the
// batch was recorded but the key is over its monthly event cap.
type IngestResult struct {
	Success       bool           `json:"success"`
	Received      int            `json:"received"`
	Timestamp     string         `json:"timestamp"`
	LimitExceeded bool           `json:"limitExceeded,omitempty"`
	Message       string         `json:"message,omitempty"`
	Usage         *UsageSnapshot `json:"usage,omitempty"`
}

// UsageSnapshot is the plan block attached to over-limit ingest responses.
type UsageSnapshot struct {
	Plan       string `json:"plan"`
	EventCount int64  `json:"eventCount"`
	Limit      int64  `json:"limit"`
}

// TaskRequest opens a verification task for an agent operation.
type TaskRequest struct {
	Description      string                 `json:"description"`
	AgentID          string                 `json:"agentId"`
	RequiredEvidence []string               `json:"requiredEvidence"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
	ExpiresInMs      int64                  `json:"expiresInMs,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Task mirrors the server's verification task record.
type Task struct {
	ID               string                 `json:"id"`
	ProjectID        string                 `json:"projectId"`
	AgentID          string                 `json:"agentId"`
	Description      string                 `json:"description"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
	Status           string                 `json:"status"`
	RequiredEvidence []string               `json:"requiredEvidence"`
	ProvidedEvidence map[string]interface{} `json:"providedEvidence,omitempty"`
	FailureReason    string                 `json:"failureReason,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	ConfirmedAt      *time.Time             `json:"confirmedAt,omitempty"`
	ExpiresAt        time.Time              `json:"expiresAt"`
}

// Anomaly is a rule-triggered flag on an agent's activity.
type Anomaly struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Severity    string                 `json:"severity"`
	Description string                 `json:"description"`
	AgentID     string                 `json:"agentId"`
	ActionID    string                 `json:"actionId,omitempty"`
	ProjectID   string                 `json:"projectId"`
	DetectedAt  time.Time              `json:"detectedAt"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Reviewed    bool                   `json:"reviewed"`
}

// Evaluation is the outcome of running a candidate transaction through the
// anomaly rules.
type Evaluation struct {
	Evaluated    bool      `json:"evaluated"`
	AnomalyCount int       `json:"anomalyCount"`
	Anomalies    []Anomaly `json:"anomalies"`
	Timestamp    string    `json:"timestamp"`
}

// Factor is one weighted component of a trust score.
type Factor struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// TrustScore is the composite trust assessment for an agent.
type TrustScore struct {
	AgentID    string    `json:"agentId"`
	Score      int       `json:"score"`
	Level      string    `json:"level"`
	Factors    []Factor  `json:"factors"`
	ComputedAt time.Time `json:"computedAt"`
}

// Usage is the key's consumption for the current billing period.
type Usage struct {
	Plan               string    `json:"plan"`
	Seats              int       `json:"seats"`
	EventCount         int64     `json:"eventCount"`
	Limit              int64     `json:"limit"`
	RemainingEvents    int64     `json:"remainingEvents"`
	UsagePercentage    float64   `json:"usagePercentage"`
	LimitExceeded      bool      `json:"limitExceeded"`
	BillingPeriodStart time.Time `json:"billingPeriodStart"`
	Timestamp          string    `json:"timestamp"`
}
