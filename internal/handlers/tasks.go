package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kontext/backend/internal/core"
	"github.com/kontext/backend/internal/monitoring"
	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/tasks"
)

type createTaskRequest struct {
	Description      string                 `json:"description"`
	AgentID          string                 `json:"agentId"`
	RequiredEvidence []string               `json:"requiredEvidence"`
	CorrelationID    string                 `json:"correlationId"`
	ExpiresInMs      int64                  `json:"expiresInMs"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// HandleCreateTask opens a confirmation task for an agent activity.
func HandleCreateTask(manager *tasks.Manager, metrics *monitoring.Metrics, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var req createTaskRequest
		if !decodeBody(w, r, &req, verbose) {
			return
		}
		if req.Description == "" {
			writeError(w, http.StatusBadRequest, "Missing required field: description")
			return
		}
		if req.AgentID == "" {
			writeError(w, http.StatusBadRequest, "Missing required field: agentId")
			return
		}
		if len(req.RequiredEvidence) == 0 {
			writeError(w, http.StatusBadRequest, "requiredEvidence must be a non-empty array")
			return
		}

		task := manager.Create(projectID, tasks.CreateParams{
			Description:      req.Description,
			AgentID:          req.AgentID,
			RequiredEvidence: req.RequiredEvidence,
			CorrelationID:    req.CorrelationID,
			ExpiresInMs:      req.ExpiresInMs,
			Metadata:         req.Metadata,
		})
		metrics.RecordTask(string(core.TaskPending))

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"task":    task,
		})
	}
}

// HandleGetTask reads one task, applying lazy expiry.
func HandleGetTask(manager *tasks.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		task, err := manager.Get(projectID, mux.Vars(r)["id"])
		if err != nil {
			writeTaskError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
	}
}

// HandleListTasks lists the project's tasks, optionally by status.
func HandleListTasks(manager *tasks.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		status := core.TaskStatus(r.URL.Query().Get("status"))
		list := manager.List(projectID, status)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tasks": list,
			"count": len(list),
		})
	}
}

type confirmTaskRequest struct {
	Evidence map[string]interface{} `json:"evidence"`
}

// HandleConfirmTask closes a pending task with evidence.
func HandleConfirmTask(manager *tasks.Manager, metrics *monitoring.Metrics, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var req confirmTaskRequest
		if !decodeBody(w, r, &req, verbose) {
			return
		}
		if req.Evidence == nil {
			writeError(w, http.StatusBadRequest, `Request body must contain "evidence" object`)
			return
		}

		task, err := manager.Confirm(projectID, mux.Vars(r)["id"], req.Evidence)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		metrics.RecordTask(string(core.TaskConfirmed))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"task":    task,
		})
	}
}

type failTaskRequest struct {
	Reason string `json:"reason"`
}

// HandleFailTask closes a pending task as failed with a reason.
func HandleFailTask(manager *tasks.Manager, metrics *monitoring.Metrics, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var req failTaskRequest
		if !decodeBody(w, r, &req, verbose) {
			return
		}
		if req.Reason == "" {
			writeError(w, http.StatusBadRequest, "Missing required field: reason")
			return
		}

		task, err := manager.Fail(projectID, mux.Vars(r)["id"], req.Reason)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		metrics.RecordTask(string(core.TaskFailed))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"task":    task,
		})
	}
}

// writeTaskError maps manager errors onto the HTTP error taxonomy.
func writeTaskError(w http.ResponseWriter, err error) {
	var missing *tasks.MissingEvidenceError
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, tasks.ErrAlreadyConfirmed):
		writeError(w, http.StatusConflict, "Task already confirmed")
	case errors.Is(err, tasks.ErrAlreadyFailed):
		writeError(w, http.StatusConflict, "Task already failed")
	case errors.Is(err, tasks.ErrExpired):
		writeError(w, http.StatusConflict, "Task expired")
	case errors.As(err, &missing):
		writeError(w, http.StatusBadRequest, missing.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
