package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/webhooks"
)

type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// HandleRegisterWebhook subscribes an endpoint to the project's events.
func HandleRegisterWebhook(reg *webhooks.Registry, verbose bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var req registerWebhookRequest
		if !decodeBody(w, r, &req, verbose) {
			return
		}

		eventTypes := make([]webhooks.EventType, len(req.Events))
		for i, e := range req.Events {
			eventTypes[i] = webhooks.EventType(e)
		}

		sub := webhooks.WebhookSubscription{
			URL:       req.URL,
			Events:    eventTypes,
			Secret:    req.Secret,
			ProjectID: projectID,
		}
		if err := reg.Register(&sub); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sub.Secret = ""
		writeJSON(w, http.StatusCreated, sub)
	}
}

// HandleListWebhooks lists the project's subscriptions.
func HandleListWebhooks(reg *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		hooks := reg.ListByProject(projectID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"webhooks": hooks,
			"count":    len(hooks),
		})
	}
}

// HandleDeleteWebhook removes a subscription the project owns.
func HandleDeleteWebhook(reg *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := multitenancy.GetProjectID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		if err := reg.Unregister(projectID, mux.Vars(r)["id"]); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
