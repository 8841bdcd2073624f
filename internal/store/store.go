// Package store implements the tenant-partitioned repository of actions,
// tasks, anomalies, and per-agent trust aggregates. The reference
// implementation is memory-resident behind the Store interface; every
// operation is atomic with respect to other operations, which satisfies the
// per-project linearizability contract.
package store

import (
	"log"
	"sync"
	"time"

	"github.com/kontext/backend/internal/core"
)

// ============================================================================
// STORE CONTRACT
// ============================================================================

// ActionFilter narrows GetActions results. Date bounds are inclusive and
// compared lexicographically against the RFC3339 timestamp strings.
type ActionFilter struct {
	AgentID   string
	Type      string
	StartDate string
	EndDate   string
}

// ExportFilter narrows GetExportData results. Tasks are filtered by
// createdAt, anomalies by detectedAt.
type ExportFilter struct {
	AgentID   string
	StartDate string
	EndDate   string
}

// ExportData is the full snapshot returned by GetExportData.
type ExportData struct {
	Actions   []core.ActionRecord  `json:"actions"`
	Tasks     []core.Task          `json:"tasks"`
	Anomalies []core.AnomalyRecord `json:"anomalies"`
}

// TaskUpdate is a partial task mutation. Nil fields are left untouched.
type TaskUpdate struct {
	Status           *core.TaskStatus
	ProvidedEvidence map[string]interface{}
	FailureReason    *string
	ConfirmedAt      *time.Time
	Metadata         map[string]interface{}
}

// Store is the abstract repository the server core is defined over.
type Store interface {
	AddActions(projectID string, actions []core.ActionRecord) int
	GetActions(projectID string, filter ActionFilter) []core.ActionRecord

	AddTask(task core.Task)
	GetTask(taskID string) (core.Task, bool)
	UpdateTask(taskID string, update TaskUpdate) (core.Task, bool)
	GetTasks(projectID string, status core.TaskStatus) []core.Task

	GetTrustAggregate(projectID, agentID string) (core.AgentTrustAggregate, bool)
	AddAnomaly(projectID string, anomaly core.AnomalyRecord)
	GetAnomalies(projectID string) []core.AnomalyRecord

	GetExportData(projectID string, filter ExportFilter) ExportData

	Stats() map[string]interface{}
}

// ============================================================================
// IN-MEMORY IMPLEMENTATION
// ============================================================================

// MemoryStore keeps all four collections in process memory. One RWMutex
// guards everything; reads that can persist lazy task expiration take the
// write lock.
type MemoryStore struct {
	mu         sync.RWMutex
	actions    map[string][]core.ActionRecord       // projectID -> append-only log
	tasks      map[string]*core.Task                // taskID -> task (projectID is a field)
	aggregates map[string]*core.AgentTrustAggregate // projectID:agentID
	anomalies  map[string][]core.AnomalyRecord      // projectID -> append-only log
	logger     *log.Logger
	now        func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions:    make(map[string][]core.ActionRecord),
		tasks:      make(map[string]*core.Task),
		aggregates: make(map[string]*core.AgentTrustAggregate),
		anomalies:  make(map[string][]core.AnomalyRecord),
		logger:     log.New(log.Writer(), "[STORE] ", log.LstdFlags),
		now:        time.Now,
	}
}

func aggregateKey(projectID, agentID string) string {
	return projectID + ":" + agentID
}

// ============================================================================
// ACTIONS
// ============================================================================

// AddActions appends the batch in order and updates the trust aggregate of
// every agent in it within the same critical section, so no reader can see
// the new actions without the matching aggregate counts. Returns the number
// of records appended. Duplicate ids are accepted as-is.
func (s *MemoryStore) AddActions(projectID string, actions []core.ActionRecord) int {
	if len(actions) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for i := range actions {
		actions[i].ProjectID = projectID
		if actions[i].Timestamp == "" {
			actions[i].Timestamp = now.Format(time.RFC3339)
		}
	}
	s.actions[projectID] = append(s.actions[projectID], actions...)

	// Per-agent deltas for this batch.
	type delta struct{ total, transactions int64 }
	deltas := make(map[string]delta)
	for _, a := range actions {
		d := deltas[a.AgentID]
		d.total++
		if a.Type == core.ActionTypeTransaction {
			d.transactions++
		}
		deltas[a.AgentID] = d
	}

	for agentID, d := range deltas {
		agg := s.getOrCreateAggregateUnsafe(projectID, agentID)
		agg.ActionCount += d.total
		agg.TransactionCount += d.transactions
		agg.LastUpdated = now
	}

	return len(actions)
}

// GetActions returns a filtered snapshot. Records are immutable, so the
// copies share metadata maps with the store.
func (s *MemoryStore) GetActions(projectID string, filter ActionFilter) []core.ActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.ActionRecord
	for _, a := range s.actions[projectID] {
		if !matchAction(a, filter) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func matchAction(a core.ActionRecord, f ActionFilter) bool {
	if f.AgentID != "" && a.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.StartDate != "" && a.Timestamp < f.StartDate {
		return false
	}
	if f.EndDate != "" && a.Timestamp > f.EndDate {
		return false
	}
	return true
}

// ============================================================================
// TASKS
// ============================================================================

// AddTask inserts a new task keyed by its id.
func (s *MemoryStore) AddTask(task core.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task
	s.tasks[task.ID] = &t
}

// GetTask returns a copy of the task. A pending task past its expiresAt is
// transitioned to expired first; expiration is lazy and happens on read.
func (s *MemoryStore) GetTask(taskID string) (core.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return core.Task{}, false
	}
	s.expireIfDueUnsafe(t)
	return *t, true
}

// UpdateTask applies the partial update and returns the new state. A
// transition from pending into confirmed or failed also debits the agent's
// trust aggregate (confirmedTasks / failedTasks) in the same critical
// section, if the aggregate exists.
func (s *MemoryStore) UpdateTask(taskID string, update TaskUpdate) (core.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return core.Task{}, false
	}

	prev := t.Status
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.ProvidedEvidence != nil {
		t.ProvidedEvidence = update.ProvidedEvidence
	}
	if update.FailureReason != nil {
		t.FailureReason = *update.FailureReason
	}
	if update.ConfirmedAt != nil {
		t.ConfirmedAt = update.ConfirmedAt
	}
	if update.Metadata != nil {
		t.Metadata = update.Metadata
	}
	t.UpdatedAt = s.now().UTC()

	if prev == core.TaskPending && t.Status != prev {
		switch t.Status {
		case core.TaskConfirmed:
			s.bumpTaskCounterUnsafe(t.ProjectID, t.AgentID, 1, 0)
		case core.TaskFailed:
			s.bumpTaskCounterUnsafe(t.ProjectID, t.AgentID, 0, 1)
		}
	}

	return *t, true
}

// GetTasks lists a project's tasks, optionally filtered by status. Lazy
// expiration applies before the status filter so a stale pending task
// queried as "expired" is found.
func (s *MemoryStore) GetTasks(projectID string, status core.TaskStatus) []core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Task
	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		s.expireIfDueUnsafe(t)
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
	}
	return out
}

func (s *MemoryStore) expireIfDueUnsafe(t *core.Task) {
	if t.Status == core.TaskPending && !s.now().Before(t.ExpiresAt) {
		t.Status = core.TaskExpired
		t.UpdatedAt = s.now().UTC()
	}
}

// ============================================================================
// TRUST AGGREGATES
// ============================================================================

// GetTrustAggregate returns the aggregate, or ok=false when the agent has no
// recorded activity. Never allocates on miss.
func (s *MemoryStore) GetTrustAggregate(projectID, agentID string) (core.AgentTrustAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[aggregateKey(projectID, agentID)]
	if !ok {
		return core.AgentTrustAggregate{}, false
	}
	return *agg, true
}

func (s *MemoryStore) getOrCreateAggregateUnsafe(projectID, agentID string) *core.AgentTrustAggregate {
	key := aggregateKey(projectID, agentID)
	agg, ok := s.aggregates[key]
	if !ok {
		agg = &core.AgentTrustAggregate{ProjectID: projectID, AgentID: agentID}
		s.aggregates[key] = agg
	}
	return agg
}

func (s *MemoryStore) bumpTaskCounterUnsafe(projectID, agentID string, confirmed, failed int64) {
	agg, ok := s.aggregates[aggregateKey(projectID, agentID)]
	if !ok {
		// Aggregates are created by the first action, never by task
		// outcomes or anomalies.
		return
	}
	agg.ConfirmedTasks += confirmed
	agg.FailedTasks += failed
	agg.LastUpdated = s.now().UTC()
}

// ============================================================================
// ANOMALIES
// ============================================================================

// AddAnomaly appends the record and, when the agent already has a trust
// aggregate, increments its anomalyCount atomically with the append. No
// aggregate is created for unknown agents.
func (s *MemoryStore) AddAnomaly(projectID string, anomaly core.AnomalyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anomaly.ProjectID = projectID
	s.anomalies[projectID] = append(s.anomalies[projectID], anomaly)

	if agg, ok := s.aggregates[aggregateKey(projectID, anomaly.AgentID)]; ok {
		agg.AnomalyCount++
		agg.LastUpdated = s.now().UTC()
	}

	s.logger.Printf("Anomaly recorded: project=%s agent=%s type=%s severity=%s",
		projectID, anomaly.AgentID, anomaly.Type, anomaly.Severity)
}

// GetAnomalies returns the project's anomaly log in detection order.
func (s *MemoryStore) GetAnomalies(projectID string) []core.AnomalyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.AnomalyRecord, len(s.anomalies[projectID]))
	copy(out, s.anomalies[projectID])
	return out
}

// ============================================================================
// EXPORT
// ============================================================================

// GetExportData returns every action, task, and anomaly matching the filter.
// The snapshot is complete; pagination is deliberately absent.
func (s *MemoryStore) GetExportData(projectID string, filter ExportFilter) ExportData {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := ExportData{
		Actions:   []core.ActionRecord{},
		Tasks:     []core.Task{},
		Anomalies: []core.AnomalyRecord{},
	}

	af := ActionFilter{AgentID: filter.AgentID, StartDate: filter.StartDate, EndDate: filter.EndDate}
	for _, a := range s.actions[projectID] {
		if matchAction(a, af) {
			data.Actions = append(data.Actions, a)
		}
	}

	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		if !inDateRange(t.CreatedAt, filter.StartDate, filter.EndDate) {
			continue
		}
		s.expireIfDueUnsafe(t)
		data.Tasks = append(data.Tasks, *t)
	}

	for _, a := range s.anomalies[projectID] {
		if filter.AgentID != "" && a.AgentID != filter.AgentID {
			continue
		}
		if !inDateRange(a.DetectedAt, filter.StartDate, filter.EndDate) {
			continue
		}
		data.Anomalies = append(data.Anomalies, a)
	}

	return data
}

func inDateRange(ts time.Time, startDate, endDate string) bool {
	formatted := ts.UTC().Format(time.RFC3339)
	if startDate != "" && formatted < startDate {
		return false
	}
	if endDate != "" && formatted > endDate {
		return false
	}
	return true
}

// ============================================================================
// STATS
// ============================================================================

// Stats returns current collection sizes.
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalActions := 0
	for _, list := range s.actions {
		totalActions += len(list)
	}
	totalAnomalies := 0
	for _, list := range s.anomalies {
		totalAnomalies += len(list)
	}

	return map[string]interface{}{
		"projects":   len(s.actions),
		"actions":    totalActions,
		"tasks":      len(s.tasks),
		"anomalies":  totalAnomalies,
		"aggregates": len(s.aggregates),
	}
}

var _ Store = (*MemoryStore)(nil)
