// Package trust derives a bounded 0-100 trust score for an agent from its
// store aggregate. Scoring is a pure read; it never mutates state.
package trust

import (
	"fmt"
	"math"
	"time"

	"github.com/kontext/backend/internal/store"
)

// Trust levels, highest first.
const (
	LevelVerified  = "verified"
	LevelHigh      = "high"
	LevelMedium    = "medium"
	LevelLow       = "low"
	LevelUntrusted = "untrusted"
)

// Factor is one component of the score breakdown. Weights across the three
// factors sum to 1.0.
type Factor struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// Score is the response served by GET /v1/trust/:agentId.
type Score struct {
	AgentID    string    `json:"agentId"`
	Score      int       `json:"score"`
	Level      string    `json:"level"`
	Factors    []Factor  `json:"factors"`
	ComputedAt time.Time `json:"computedAt"`
}

// Scorer computes trust scores on demand from store aggregates.
type Scorer struct {
	store store.Store
	now   func() time.Time
}

// NewScorer creates a scorer over the store.
func NewScorer(st store.Store) *Scorer {
	return &Scorer{store: st, now: time.Now}
}

// Compute scores the agent. Agents with no recorded activity score a
// neutral 50 at level medium.
func (s *Scorer) Compute(projectID, agentID string) Score {
	now := s.now().UTC()

	agg, ok := s.store.GetTrustAggregate(projectID, agentID)
	if !ok {
		return Score{
			AgentID: agentID,
			Score:   50,
			Level:   LevelMedium,
			Factors: []Factor{
				{
					Name:        "history_depth",
					Score:       10,
					Weight:      0.2,
					Description: "No recorded activity",
				},
			},
			ComputedAt: now,
		}
	}

	historyScore := math.Min(float64(agg.ActionCount)*2, 100)
	anomalyPenalty := float64(agg.AnomalyCount) * 10

	taskBonus := 0.0
	totalTasks := agg.ConfirmedTasks + agg.FailedTasks
	if agg.ConfirmedTasks > 0 {
		taskBonus = float64(agg.ConfirmedTasks) / float64(totalTasks) * 30
	}

	score := clamp(int(math.Round(historyScore - anomalyPenalty + taskBonus)))

	return Score{
		AgentID: agentID,
		Score:   score,
		Level:   levelFor(score),
		Factors: []Factor{
			{
				Name:        "history_depth",
				Score:       historyScore,
				Weight:      0.3,
				Description: fmt.Sprintf("%d recorded actions", agg.ActionCount),
			},
			{
				Name:        "anomaly_rate",
				Score:       anomalyPenalty,
				Weight:      0.3,
				Description: fmt.Sprintf("%d anomalies detected", agg.AnomalyCount),
			},
			{
				Name:        "task_confirmation",
				Score:       taskBonus,
				Weight:      0.4,
				Description: fmt.Sprintf("%d of %d tasks confirmed", agg.ConfirmedTasks, totalTasks),
			},
		},
		ComputedAt: now,
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func levelFor(score int) string {
	switch {
	case score >= 90:
		return LevelVerified
	case score >= 70:
		return LevelHigh
	case score >= 50:
		return LevelMedium
	case score >= 30:
		return LevelLow
	default:
		return LevelUntrusted
	}
}
