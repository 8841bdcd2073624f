// Package multitenancy resolves API keys to plan assignments and carries the
// tenant identity (project id, API key) through request contexts.
package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kontext/backend/internal/core"
)

// PlanAssignment is the (plan, seats) tuple configured for an API key.
type PlanAssignment struct {
	Plan  core.Plan `json:"plan"`
	Seats int       `json:"seats"`
}

// KeyRegistry holds the valid-key set and the plan assignment table. Both
// are loaded once at startup and read-only afterwards, so lookups need no
// locking. Presence in the plan table does not imply validity; only the
// valid-key set authenticates.
type KeyRegistry struct {
	keys        map[string]bool
	keyHashes   []string // bcrypt hashes, checked when no exact match
	assignments map[string]PlanAssignment
}

// NewKeyRegistry builds the registry from configured keys, bcrypt key
// hashes, and "key:plan:seats" assignment tuples. Malformed tuples fail
// startup rather than silently granting the free tier.
func NewKeyRegistry(keys, keyHashes, planSpecs []string) (*KeyRegistry, error) {
	r := &KeyRegistry{
		keys:        make(map[string]bool, len(keys)),
		keyHashes:   keyHashes,
		assignments: make(map[string]PlanAssignment, len(planSpecs)),
	}

	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			r.keys[k] = true
		}
	}

	for _, spec := range planSpecs {
		key, assignment, err := parsePlanSpec(spec)
		if err != nil {
			return nil, err
		}
		r.assignments[key] = assignment
	}

	return r, nil
}

// Validate reports whether the key is in the valid-key set. Exact matches
// are checked first; bcrypt hashes are only consulted when configured.
func (r *KeyRegistry) Validate(key string) bool {
	if key == "" {
		return false
	}
	if r.keys[key] {
		return true
	}
	for _, hash := range r.keyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// Assignment returns the configured plan for a key, defaulting to a single
// free seat when the key has no entry.
func (r *KeyRegistry) Assignment(key string) PlanAssignment {
	if a, ok := r.assignments[key]; ok {
		return a
	}
	return PlanAssignment{Plan: core.PlanFree, Seats: 1}
}

// KeyCount returns how many keys authenticate (exact plus hashed).
func (r *KeyRegistry) KeyCount() int {
	return len(r.keys) + len(r.keyHashes)
}

func parsePlanSpec(spec string) (string, PlanAssignment, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return "", PlanAssignment{}, fmt.Errorf("invalid plan spec %q: want key:plan[:seats]", spec)
	}

	plan, ok := core.ParsePlan(parts[1])
	if !ok {
		return "", PlanAssignment{}, fmt.Errorf("invalid plan %q in spec %q", parts[1], spec)
	}

	seats := 1
	if len(parts) == 3 {
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return "", PlanAssignment{}, fmt.Errorf("invalid seats %q in spec %q", parts[2], spec)
		}
		if n > 1 {
			seats = n
		}
	}
	// Free is always a single seat.
	if plan == core.PlanFree {
		seats = 1
	}

	return parts[0], PlanAssignment{Plan: plan, Seats: seats}, nil
}

// ============================================================================
// CONTEXT HELPERS
// ============================================================================

type contextKey string

const (
	projectIDKey contextKey = "project_id"
	apiKeyKey    contextKey = "api_key"
)

// WithProject annotates the context with the authenticated project id and
// API key so downstream handlers need not re-read headers.
func WithProject(ctx context.Context, projectID, apiKey string) context.Context {
	ctx = context.WithValue(ctx, projectIDKey, projectID)
	return context.WithValue(ctx, apiKeyKey, apiKey)
}

// GetProjectID extracts the project id from context.
func GetProjectID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(projectIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("project context missing")
	}
	return id, nil
}

// GetAPIKey extracts the authenticated API key from context.
func GetAPIKey(ctx context.Context) (string, error) {
	key, ok := ctx.Value(apiKeyKey).(string)
	if !ok || key == "" {
		return "", errors.New("api key context missing")
	}
	return key, nil
}
