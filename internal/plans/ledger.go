// Package plans meters monthly event usage per API key against the key's
// subscription plan. Billing periods are calendar months in UTC; counters
// roll forward lazily on access.
package plans

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/kontext/backend/internal/core"
	"github.com/kontext/backend/internal/multitenancy"
)

// Ledger owns every APIKeyUsage record. Access is serialized per key by the
// ledger mutex, so the period roll and the count increment are atomic.
type Ledger struct {
	mu       sync.Mutex
	usage    map[string]*core.APIKeyUsage
	registry *multitenancy.KeyRegistry
	logger   *log.Logger
	now      func() time.Time
}

// NewLedger creates a ledger seeded from the registry's plan assignments.
// Records are created lazily on first access.
func NewLedger(registry *multitenancy.KeyRegistry) *Ledger {
	return &Ledger{
		usage:    make(map[string]*core.APIKeyUsage),
		registry: registry,
		logger:   log.New(log.Writer(), "[PLANS] ", log.LstdFlags),
		now:      time.Now,
	}
}

// GetUsage returns the current usage record for the key, creating a record
// from the plan assignment table on first access and rolling the billing
// period if the UTC month has advanced.
func (l *Ledger) GetUsage(key string) core.APIKeyUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.getUsageUnsafe(key)
}

// Track adds count events to the key's usage and reports whether the new
// total strictly exceeds the effective limit. Over-limit events are still
// recorded; responding with 429 is the handler's call.
func (l *Ledger) Track(key string, count int64) (core.APIKeyUsage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.getUsageUnsafe(key)
	u.EventCount += count

	limit := core.EffectiveLimit(u.Plan, u.Seats)
	exceeded := limit != core.UnlimitedEvents && u.EventCount > limit
	return *u, exceeded
}

// SetPlan mutates the key's plan and seat count, keeping the current period
// and event count intact. Used by the billing mediator when webhook events
// change a subscription.
func (l *Ledger) SetPlan(key string, plan core.Plan, seats int) core.APIKeyUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seats < 1 {
		seats = 1
	}
	if plan == core.PlanFree {
		seats = 1
	}

	u := l.getUsageUnsafe(key)
	u.Plan = plan
	u.Seats = seats
	l.logger.Printf("Plan updated: plan=%s seats=%d", plan, seats)
	return *u
}

// getUsageUnsafe must be called with the mutex held.
func (l *Ledger) getUsageUnsafe(key string) *core.APIKeyUsage {
	u, ok := l.usage[key]
	if !ok {
		assignment := l.registry.Assignment(key)
		u = &core.APIKeyUsage{
			Plan:               assignment.Plan,
			Seats:              assignment.Seats,
			BillingPeriodStart: periodStart(l.now().UTC()),
		}
		l.usage[key] = u
	}
	l.rollPeriodUnsafe(u)
	return u
}

// rollPeriodUnsafe resets the counter when the current UTC month has
// advanced past the stored billing period.
func (l *Ledger) rollPeriodUnsafe(u *core.APIKeyUsage) {
	now := l.now().UTC()
	if monthIndex(now) > monthIndex(u.BillingPeriodStart) {
		u.EventCount = 0
		u.BillingPeriodStart = periodStart(now)
	}
}

func periodStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month())
}

// ============================================================================
// USAGE REPORT
// ============================================================================

// Report is the derived view served by GET /v1/usage. Limit and
// RemainingEvents are -1 for the unlimited enterprise plan.
type Report struct {
	Plan               core.Plan `json:"plan"`
	Seats              int       `json:"seats"`
	EventCount         int64     `json:"eventCount"`
	Limit              int64     `json:"limit"`
	RemainingEvents    int64     `json:"remainingEvents"`
	UsagePercentage    float64   `json:"usagePercentage"`
	LimitExceeded      bool      `json:"limitExceeded"`
	BillingPeriodStart time.Time `json:"billingPeriodStart"`
}

// Report computes the usage view for the key.
func (l *Ledger) Report(key string) Report {
	return BuildReport(l.GetUsage(key))
}

// BuildReport derives limit, remaining budget, and percentage from a usage
// record.
func BuildReport(u core.APIKeyUsage) Report {
	limit := core.EffectiveLimit(u.Plan, u.Seats)

	r := Report{
		Plan:               u.Plan,
		Seats:              u.Seats,
		EventCount:         u.EventCount,
		Limit:              limit,
		RemainingEvents:    core.UnlimitedEvents,
		BillingPeriodStart: u.BillingPeriodStart,
	}

	if limit == core.UnlimitedEvents {
		return r
	}

	remaining := limit - u.EventCount
	if remaining < 0 {
		remaining = 0
	}
	r.RemainingEvents = remaining
	r.UsagePercentage = math.Round(float64(u.EventCount)/float64(limit)*100*100) / 100
	r.LimitExceeded = u.EventCount > limit
	return r
}

// Stats returns ledger-wide counters for diagnostics.
func (l *Ledger) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, u := range l.usage {
		total += u.EventCount
	}
	return map[string]interface{}{
		"tracked_keys": len(l.usage),
		"total_events": total,
	}
}
