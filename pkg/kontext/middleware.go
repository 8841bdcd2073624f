package kontext

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// AuditMiddleware records every mutating request an agent's HTTP server
// handles as a Kontext action. Recording is fire-and-forget so the wrapped
// handler never waits on the API.
//
// Usage with standard net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/tools/", kontext.AuditMiddleware(client, "agent-ops-01", toolHandler))
//
// Usage with Gorilla Mux:
//
//	router.Use(kontext.AuditMiddlewareFunc(client, "agent-ops-01"))
func AuditMiddleware(client *Client, agentID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			return
		}

		action := Action{
			Type:        "http.request",
			AgentID:     agentID,
			Description: fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			Metadata: map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			},
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := client.RecordAction(ctx, action); err != nil {
				slog.Warn("kontext: audit record failed", "error", err)
			}
		}()
	})
}

// AuditMiddlewareFunc returns Gorilla Mux compatible middleware.
func AuditMiddlewareFunc(client *Client, agentID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return AuditMiddleware(client, agentID, next)
	}
}

// WrapHTTPClient returns an http.Client that records every outbound request
// as a Kontext action. Wrap the client your agent uses for side-effectful
// API calls and each call lands in the audit trail.
//
//	audited := kontext.WrapHTTPClient(kontextClient, "agent-ops-01", http.DefaultClient)
//	resp, err := audited.Post("https://api.vendor.com/v1/payments", ...)
func WrapHTTPClient(client *Client, agentID string, wrapped *http.Client) *http.Client {
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &auditTransport{
			client:  client,
			agentID: agentID,
			wrapped: wrapped.Transport,
		},
	}
}

type auditTransport struct {
	client  *Client
	agentID string
	wrapped http.RoundTripper
}

func (t *auditTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.wrapped
	if transport == nil {
		transport = http.DefaultTransport
	}

	start := time.Now()
	resp, err := transport.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	action := Action{
		Type:        "http.call",
		AgentID:     t.agentID,
		Description: fmt.Sprintf("%s %s", req.Method, req.URL.Host+req.URL.Path),
		Metadata: map[string]interface{}{
			"method":      req.Method,
			"host":        req.URL.Host,
			"path":        req.URL.Path,
			"status":      resp.StatusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, recErr := t.client.RecordAction(ctx, action); recErr != nil {
			slog.Warn("kontext: audit record failed", "error", recErr)
		}
	}()

	return resp, nil
}
