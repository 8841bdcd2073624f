// Package kontext is the Go client for the Kontext compliance API.
//
// Agent developers embed this client to record what their agents do,
// open verification tasks around sensitive operations, and read back
// trust scores before extending autonomy.
//
// Quick start:
//
//	client := kontext.NewClient(kontext.Config{
//	    BaseURL:   "https://api.usekontext.com",
//	    ProjectID: "proj_live_a1b2c3",
//	    APIKey:    os.Getenv("KONTEXT_API_KEY"),
//	})
//
//	result, err := client.RecordAction(ctx, kontext.Action{
//	    Type:        "transaction",
//	    AgentID:     "agent-treasury-01",
//	    Description: "Sent 450 USDC to vendor wallet",
//	    Amount:      450,
//	    Token:       "USDC",
//	    Chain:       "base",
//	})
//	if result.LimitExceeded {
//	    // Recorded, but the key is over its monthly cap.
//	}
package kontext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API endpoint (required).
	// Examples: "https://api.usekontext.com", "http://localhost:8080"
	BaseURL string

	// ProjectID scopes every request to one tenant (required).
	ProjectID string

	// APIKey authenticates requests (required).
	APIKey string

	// Timeout for API calls (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the Kontext API. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
}

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kontext: %s (status %d)", e.Message, e.Status)
}

// NewClient creates a Kontext API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{config: cfg, httpClient: httpClient}
}

// RecordAction records a single agent action.
func (c *Client) RecordAction(ctx context.Context, action Action) (*IngestResult, error) {
	return c.RecordActions(ctx, []Action{action})
}

// RecordActions records a batch of agent actions. An over-limit batch is
// still recorded; the returned result carries LimitExceeded and the upgrade
// message instead of an error.
func (c *Client) RecordActions(ctx context.Context, actions []Action) (*IngestResult, error) {
	for i := range actions {
		if actions[i].ID == "" {
			actions[i].ID = "act_" + uuid.New().String()
		}
	}

	body, status, err := c.roundTrip(ctx, http.MethodPost, "/v1/actions", map[string]interface{}{
		"actions": actions,
	})
	if err != nil {
		return nil, err
	}

	if status == http.StatusOK || status == http.StatusTooManyRequests {
		var result IngestResult
		if json.Unmarshal(body, &result) == nil && result.Success {
			return &result, nil
		}
	}
	return nil, apiErrorFrom(status, body)
}

// CreateTask opens a verification task that must be confirmed with evidence
// before it expires.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (*Task, error) {
	body, status, err := c.roundTrip(ctx, http.MethodPost, "/v1/tasks", req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, apiErrorFrom(status, body)
	}
	return decodeTask(body)
}

// GetTask reads one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	body, status, err := c.roundTrip(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(status, body)
	}
	return decodeTask(body)
}

// ListTasks lists the project's tasks. status filters to one lifecycle
// state when non-empty ("pending", "confirmed", "failed", "expired").
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	path := "/v1/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	body, code, err := c.roundTrip(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, apiErrorFrom(code, body)
	}

	var envelope struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("kontext: parse response: %w", err)
	}
	return envelope.Tasks, nil
}

// ConfirmTask closes a pending task with the evidence it asked for.
func (c *Client) ConfirmTask(ctx context.Context, taskID string, evidence map[string]interface{}) (*Task, error) {
	body, status, err := c.roundTrip(ctx, http.MethodPut, "/v1/tasks/"+url.PathEscape(taskID)+"/confirm", map[string]interface{}{
		"evidence": evidence,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(status, body)
	}
	return decodeTask(body)
}

// FailTask closes a pending task as failed.
func (c *Client) FailTask(ctx context.Context, taskID, reason string) (*Task, error) {
	body, status, err := c.roundTrip(ctx, http.MethodPut, "/v1/tasks/"+url.PathEscape(taskID)+"/fail", map[string]interface{}{
		"reason": reason,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(status, body)
	}
	return decodeTask(body)
}

// EvaluateTransaction runs a candidate transaction through the anomaly
// rules before (or after) executing it. The candidate carries agentId,
// amount, and txHash; any extra keys are preserved on the anomaly record.
func (c *Client) EvaluateTransaction(ctx context.Context, candidate map[string]interface{}) (*Evaluation, error) {
	body, status, err := c.roundTrip(ctx, http.MethodPost, "/v1/anomalies/evaluate", candidate)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(status, body)
	}

	var eval Evaluation
	if err := json.Unmarshal(body, &eval); err != nil {
		return nil, fmt.Errorf("kontext: parse response: %w", err)
	}
	return &eval, nil
}

// GetTrustScore retrieves an agent's current trust score.
func (c *Client) GetTrustScore(ctx context.Context, agentID string) (*TrustScore, error) {
	body, status, err := c.roundTrip(ctx, http.MethodGet, "/v1/trust/"+url.PathEscape(agentID), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(status, body)
	}

	var score TrustScore
	if err := json.Unmarshal(body, &score); err != nil {
		return nil, fmt.Errorf("kontext: parse response: %w", err)
	}
	return &score, nil
}

// GetUsage retrieves the key's consumption for the current billing period.
func (c *Client) GetUsage(ctx context.Context) (*Usage, error) {
	body, status, err := c.roundTrip(ctx, http.MethodGet, "/v1/usage", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(status, body)
	}

	var usage Usage
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("kontext: parse response: %w", err)
	}
	return &usage, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, 0, fmt.Errorf("kontext: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("kontext: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("X-Project-Id", c.config.ProjectID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("kontext: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("kontext: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func decodeTask(body []byte) (*Task, error) {
	var envelope struct {
		Task *Task `json:"task"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Task == nil {
		return nil, fmt.Errorf("kontext: parse response: unexpected task payload")
	}
	return envelope.Task, nil
}

func apiErrorFrom(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return &APIError{Status: status, Message: e.Error}
	}
	return &APIError{Status: status, Message: http.StatusText(status)}
}
