package kontext

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]interface{}
}

// newTestClient points a client at a stub API and records what it sends.
func newTestClient(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*Client, *capturedRequest) {
	t.Helper()

	captured := &capturedRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.query = r.URL.RawQuery
		captured.header = r.Header.Clone()
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(raw))
			var body map[string]interface{}
			if json.Unmarshal(raw, &body) == nil {
				captured.body = body
			}
		}
		respond(w, r)
	}))
	t.Cleanup(ts.Close)

	client := NewClient(Config{
		BaseURL:   ts.URL,
		ProjectID: "proj_test",
		APIKey:    "kontext_test_key",
	})
	return client, captured
}

func respondJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestRecordActionSendsAuthAndGeneratesID(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `{"success":true,"received":1,"timestamp":"2026-08-25T12:00:00Z"}`)
	})

	result, err := client.RecordAction(context.Background(), Action{
		Type:    "transaction",
		AgentID: "agent-1",
		Amount:  450,
		Token:   "USDC",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, captured.method)
	assert.Equal(t, "/v1/actions", captured.path)
	assert.Equal(t, "Bearer kontext_test_key", captured.header.Get("Authorization"))
	assert.Equal(t, "proj_test", captured.header.Get("X-Project-Id"))
	assert.Equal(t, "application/json", captured.header.Get("Content-Type"))

	actions := captured.body["actions"].([]interface{})
	require.Len(t, actions, 1)
	sent := actions[0].(map[string]interface{})
	assert.True(t, strings.HasPrefix(sent["id"].(string), "act_"), "client fills a missing id")
	assert.Equal(t, float64(450), sent["amount"])
	assert.Equal(t, "USDC", sent["token"])

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Received)
	assert.False(t, result.LimitExceeded)
}

func TestRecordActionsKeepsCallerIDs(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `{"success":true,"received":2,"timestamp":"2026-08-25T12:00:00Z"}`)
	})

	_, err := client.RecordActions(context.Background(), []Action{
		{ID: "act_fixed", Type: "api.call", AgentID: "agent-1"},
		{Type: "api.call", AgentID: "agent-1"},
	})
	require.NoError(t, err)

	actions := captured.body["actions"].([]interface{})
	require.Len(t, actions, 2)
	assert.Equal(t, "act_fixed", actions[0].(map[string]interface{})["id"])
	assert.NotEmpty(t, actions[1].(map[string]interface{})["id"])
}

func TestRecordActionsOverLimitIsNotAnError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusTooManyRequests, `{
			"success": true,
			"received": 1,
			"timestamp": "2026-08-25T12:00:00Z",
			"limitExceeded": true,
			"message": "Monthly event limit of 20000 exceeded on the free plan. Upgrade at https://usekontext.com/pricing to keep recording.",
			"usage": {"plan": "free", "eventCount": 20001, "limit": 20000}
		}`)
	})

	result, err := client.RecordAction(context.Background(), Action{Type: "api.call", AgentID: "agent-1"})
	require.NoError(t, err, "the batch was recorded; over-limit is advisory")

	assert.True(t, result.LimitExceeded)
	assert.Contains(t, result.Message, "Upgrade at")
	require.NotNil(t, result.Usage)
	assert.Equal(t, "free", result.Usage.Plan)
	assert.Equal(t, int64(20_001), result.Usage.EventCount)
	assert.Equal(t, int64(20_000), result.Usage.Limit)
}

func TestRecordActionsSurfacesAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusUnauthorized, `{"error":"Invalid API key"}`)
	})

	_, err := client.RecordAction(context.Background(), Action{Type: "api.call", AgentID: "agent-1"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid API key", apiErr.Message)
	assert.Equal(t, "kontext: Invalid API key (status 401)", apiErr.Error())
}

func TestAPIErrorFallsBackToStatusText(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	})

	_, err := client.GetUsage(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}

func TestCreateAndConfirmTask(t *testing.T) {
	taskJSON := `{
		"id": "task_1", "projectId": "proj_test", "agentId": "agent-1",
		"description": "Verify payment", "status": "pending",
		"requiredEvidence": ["txHash"],
		"createdAt": "2026-08-25T12:00:00Z", "updatedAt": "2026-08-25T12:00:00Z",
		"expiresAt": "2026-08-26T12:00:00Z"
	}`

	t.Run("create", func(t *testing.T) {
		client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusCreated, `{"success":true,"task":`+taskJSON+`}`)
		})

		task, err := client.CreateTask(context.Background(), TaskRequest{
			Description:      "Verify payment",
			AgentID:          "agent-1",
			RequiredEvidence: []string{"txHash"},
		})
		require.NoError(t, err)

		assert.Equal(t, "/v1/tasks", captured.path)
		assert.Equal(t, "Verify payment", captured.body["description"])
		assert.Equal(t, "task_1", task.ID)
		assert.Equal(t, TaskPending, task.Status)
	})

	t.Run("confirm sends evidence", func(t *testing.T) {
		confirmedJSON := strings.Replace(taskJSON, `"status": "pending"`, `"status": "confirmed"`, 1)
		client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, `{"task":`+confirmedJSON+`}`)
		})

		task, err := client.ConfirmTask(context.Background(), "task_1",
			map[string]interface{}{"txHash": "0xabc"})
		require.NoError(t, err)

		assert.Equal(t, http.MethodPut, captured.method)
		assert.Equal(t, "/v1/tasks/task_1/confirm", captured.path)
		evidence := captured.body["evidence"].(map[string]interface{})
		assert.Equal(t, "0xabc", evidence["txHash"])
		assert.Equal(t, TaskConfirmed, task.Status)
	})

	t.Run("fail sends reason", func(t *testing.T) {
		failedJSON := strings.Replace(taskJSON, `"status": "pending"`, `"status": "failed"`, 1)
		client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, `{"task":`+failedJSON+`}`)
		})

		task, err := client.FailTask(context.Background(), "task_1", "counterparty rejected")
		require.NoError(t, err)

		assert.Equal(t, "/v1/tasks/task_1/fail", captured.path)
		assert.Equal(t, "counterparty rejected", captured.body["reason"])
		assert.Equal(t, TaskFailed, task.Status)
	})

	t.Run("terminal conflict surfaces as APIError", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusConflict, `{"error":"Task already confirmed"}`)
		})

		_, err := client.ConfirmTask(context.Background(), "task_1",
			map[string]interface{}{"txHash": "0xabc"})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusConflict, apiErr.Status)
		assert.Equal(t, "Task already confirmed", apiErr.Message)
	})
}

func TestListTasksFiltersByStatus(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `{"tasks":[{"id":"task_1","status":"pending"}],"count":1}`)
	})

	list, err := client.ListTasks(context.Background(), "pending")
	require.NoError(t, err)

	assert.Equal(t, "/v1/tasks", captured.path)
	assert.Equal(t, "status=pending", captured.query)
	require.Len(t, list, 1)
	assert.Equal(t, "task_1", list[0].ID)
}

func TestEvaluateTransactionPassesCandidateThrough(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `{
			"evaluated": true,
			"anomalyCount": 1,
			"anomalies": [{"id":"anom_1","type":"unusualAmount","severity":"critical",
				"description":"Unusually large transaction amount: 60000",
				"agentId":"agent-1","projectId":"proj_test",
				"detectedAt":"2026-08-25T12:00:00Z","reviewed":false}],
			"timestamp": "2026-08-25T12:00:00Z"
		}`)
	})

	eval, err := client.EvaluateTransaction(context.Background(), map[string]interface{}{
		"agentId": "agent-1",
		"amount":  60000,
		"txHash":  "0xbig",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/anomalies/evaluate", captured.path)
	assert.Equal(t, float64(60000), captured.body["amount"])

	assert.True(t, eval.Evaluated)
	require.Equal(t, 1, eval.AnomalyCount)
	assert.Equal(t, "unusualAmount", eval.Anomalies[0].Type)
	assert.Equal(t, "critical", eval.Anomalies[0].Severity)
}

func TestGetTrustScore(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `{
			"agentId": "agent-1", "score": 76, "level": "high",
			"factors": [{"name":"history_depth","score":88,"weight":0.3,"description":"44 recorded actions"}],
			"computedAt": "2026-08-25T12:00:00Z"
		}`)
	})

	score, err := client.GetTrustScore(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Equal(t, "/v1/trust/agent-1", captured.path)
	assert.Equal(t, 76, score.Score)
	assert.Equal(t, LevelHigh, score.Level)
	require.Len(t, score.Factors, 1)
	assert.Equal(t, "history_depth", score.Factors[0].Name)
}

func TestGetUsage(t *testing.T) {
	client, captured := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, `{
			"plan": "pro", "seats": 2, "eventCount": 150000, "limit": 200000,
			"remainingEvents": 50000, "usagePercentage": 75,
			"limitExceeded": false, "billingPeriodStart": "2026-08-01T00:00:00Z",
			"timestamp": "2026-08-25T12:00:00Z"
		}`)
	})

	usage, err := client.GetUsage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/v1/usage", captured.path)
	assert.Equal(t, "pro", usage.Plan)
	assert.Equal(t, int64(150_000), usage.EventCount)
	assert.Equal(t, int64(50_000), usage.RemainingEvents)
	assert.Equal(t, 75.0, usage.UsagePercentage)
}

func TestAuditMiddlewareRecordsMutatingRequests(t *testing.T) {
	recorded := make(chan map[string]interface{}, 1)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		select {
		case recorded <- body:
		default:
		}
		respondJSON(w, http.StatusOK, `{"success":true,"received":1,"timestamp":"2026-08-25T12:00:00Z"}`)
	})

	handler := AuditMiddleware(client, "agent-ops", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tools/payments", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	body := <-recorded
	actions := body["actions"].([]interface{})
	require.Len(t, actions, 1)
	sent := actions[0].(map[string]interface{})
	assert.Equal(t, "http.request", sent["type"])
	assert.Equal(t, "agent-ops", sent["agentId"])
	assert.Equal(t, "POST /tools/payments", sent["description"])
}

func TestAuditMiddlewareSkipsReads(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		respondJSON(w, http.StatusOK, `{"success":true,"received":1,"timestamp":"2026-08-25T12:00:00Z"}`)
	})

	handler := AuditMiddleware(client, "agent-ops", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tools/payments", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, calls, "GET requests are not audited")
}
