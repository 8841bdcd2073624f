// Package tasks drives the confirmation-task state machine: pending tasks
// carry a required-evidence contract and move to exactly one of confirmed,
// failed, or expired.
package tasks

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kontext/backend/internal/core"
	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/store"
)

// DefaultExpiry applies when a create request carries no expiresInMs.
const DefaultExpiry = 24 * time.Hour

var (
	ErrNotFound         = errors.New("task not found")
	ErrAlreadyConfirmed = errors.New("task already confirmed")
	ErrAlreadyFailed    = errors.New("task already failed")
	ErrExpired          = errors.New("task expired")
)

// MissingEvidenceError reports the required evidence keys absent from a
// confirmation request. The task is left untouched.
type MissingEvidenceError struct {
	Keys []string
}

func (e *MissingEvidenceError) Error() string {
	return "Missing required evidence: " + strings.Join(e.Keys, ", ")
}

// CreateParams are the validated inputs for a new task.
type CreateParams struct {
	Description      string
	AgentID          string
	RequiredEvidence []string
	CorrelationID    string
	ExpiresInMs      int64
	Metadata         map[string]interface{}
}

// Manager owns task lifecycle transitions. All persistence goes through the
// store; the manager holds no task state of its own.
type Manager struct {
	store   store.Store
	emitter events.EventEmitter
	logger  *log.Logger
	now     func() time.Time
}

// NewManager creates a task manager.
func NewManager(st store.Store, emitter events.EventEmitter) *Manager {
	return &Manager{
		store:   st,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[TASKS] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Create registers a pending task. ExpiresInMs of zero means the 24 hour
// default; negative values produce an already-expired task, which is
// occasionally useful for backfills.
func (m *Manager) Create(projectID string, p CreateParams) core.Task {
	now := m.now().UTC()

	expiry := DefaultExpiry
	if p.ExpiresInMs != 0 {
		expiry = time.Duration(p.ExpiresInMs) * time.Millisecond
	}

	task := core.Task{
		ID:               fmt.Sprintf("task_%s", uuid.New().String()),
		ProjectID:        projectID,
		AgentID:          p.AgentID,
		Description:      p.Description,
		Status:           core.TaskPending,
		RequiredEvidence: p.RequiredEvidence,
		CorrelationID:    p.CorrelationID,
		Metadata:         p.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(expiry),
	}

	m.store.AddTask(task)

	m.logger.Printf("Task created: id=%s project=%s agent=%s evidence=%v",
		task.ID, projectID, p.AgentID, p.RequiredEvidence)
	m.emitter.Emit(events.EventTaskCreated, projectID, task.ID, map[string]interface{}{
		"taskId":           task.ID,
		"agentId":          task.AgentID,
		"requiredEvidence": task.RequiredEvidence,
		"expiresAt":        task.ExpiresAt.Format(time.RFC3339),
	})

	return task
}

// Get returns the task, applying lazy expiration via the store read. Tasks
// belonging to other projects are reported as not found.
func (m *Manager) Get(projectID, taskID string) (core.Task, error) {
	task, ok := m.store.GetTask(taskID)
	if !ok || task.ProjectID != projectID {
		return core.Task{}, ErrNotFound
	}
	return task, nil
}

// List returns the project's tasks, optionally filtered by status.
func (m *Manager) List(projectID string, status core.TaskStatus) []core.Task {
	return m.store.GetTasks(projectID, status)
}

// Confirm moves a pending task to confirmed if the evidence covers every
// required key. Keys mapped to nil count as missing. Extra keys are kept
// verbatim in providedEvidence.
func (m *Manager) Confirm(projectID, taskID string, evidence map[string]interface{}) (core.Task, error) {
	task, err := m.Get(projectID, taskID)
	if err != nil {
		return core.Task{}, err
	}

	if err := terminalError(task.Status); err != nil {
		return core.Task{}, err
	}

	var missing []string
	for _, key := range task.RequiredEvidence {
		if v, ok := evidence[key]; !ok || v == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return core.Task{}, &MissingEvidenceError{Keys: missing}
	}

	now := m.now().UTC()
	status := core.TaskConfirmed
	updated, ok := m.store.UpdateTask(taskID, store.TaskUpdate{
		Status:           &status,
		ProvidedEvidence: evidence,
		ConfirmedAt:      &now,
	})
	if !ok {
		return core.Task{}, ErrNotFound
	}

	m.logger.Printf("Task confirmed: id=%s project=%s agent=%s", taskID, projectID, updated.AgentID)
	m.emitter.Emit(events.EventTaskConfirmed, projectID, taskID, map[string]interface{}{
		"taskId":  taskID,
		"agentId": updated.AgentID,
	})

	return updated, nil
}

// Fail moves a pending task to failed with the given reason.
func (m *Manager) Fail(projectID, taskID, reason string) (core.Task, error) {
	task, err := m.Get(projectID, taskID)
	if err != nil {
		return core.Task{}, err
	}

	if err := terminalError(task.Status); err != nil {
		return core.Task{}, err
	}

	status := core.TaskFailed
	updated, ok := m.store.UpdateTask(taskID, store.TaskUpdate{
		Status:        &status,
		FailureReason: &reason,
	})
	if !ok {
		return core.Task{}, ErrNotFound
	}

	m.logger.Printf("Task failed: id=%s project=%s reason=%q", taskID, projectID, reason)
	m.emitter.Emit(events.EventTaskFailed, projectID, taskID, map[string]interface{}{
		"taskId":  taskID,
		"agentId": updated.AgentID,
		"reason":  reason,
	})

	return updated, nil
}

// terminalError maps a terminal status to its transition-refusal error.
func terminalError(status core.TaskStatus) error {
	switch status {
	case core.TaskConfirmed:
		return ErrAlreadyConfirmed
	case core.TaskFailed:
		return ErrAlreadyFailed
	case core.TaskExpired:
		return ErrExpired
	}
	return nil
}
