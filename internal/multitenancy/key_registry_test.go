package multitenancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kontext/backend/internal/core"
)

func TestValidateExactKeys(t *testing.T) {
	r, err := NewKeyRegistry([]string{"kontext_live_abc", " kontext_test_def "}, nil, nil)
	require.NoError(t, err)

	assert.True(t, r.Validate("kontext_live_abc"))
	assert.True(t, r.Validate("kontext_test_def")) // whitespace trimmed at load
	assert.False(t, r.Validate("kontext_live_ab"))
	assert.False(t, r.Validate(""))
	assert.Equal(t, 2, r.KeyCount())
}

func TestValidateBcryptHashes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("kontext_secret_key"), bcrypt.MinCost)
	require.NoError(t, err)

	r, err := NewKeyRegistry(nil, []string{string(hash)}, nil)
	require.NoError(t, err)

	assert.True(t, r.Validate("kontext_secret_key"))
	assert.False(t, r.Validate("kontext_wrong_key"))
}

func TestPlanSpecs(t *testing.T) {
	r, err := NewKeyRegistry(
		[]string{"k1", "k2", "k3"},
		nil,
		[]string{"k1:pro:4", "k2:enterprise", "k3:free:9"},
	)
	require.NoError(t, err)

	assert.Equal(t, PlanAssignment{Plan: core.PlanPro, Seats: 4}, r.Assignment("k1"))
	assert.Equal(t, PlanAssignment{Plan: core.PlanEnterprise, Seats: 1}, r.Assignment("k2"))

	// Free is pinned to one seat regardless of the spec.
	assert.Equal(t, PlanAssignment{Plan: core.PlanFree, Seats: 1}, r.Assignment("k3"))

	// Unassigned keys default to a single free seat.
	assert.Equal(t, PlanAssignment{Plan: core.PlanFree, Seats: 1}, r.Assignment("unknown"))
}

func TestMalformedPlanSpecsFailStartup(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"missing plan", "k1"},
		{"empty key", ":pro:2"},
		{"unknown plan", "k1:platinum"},
		{"bad seats", "k1:pro:many"},
		{"too many parts", "k1:pro:2:extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyRegistry([]string{"k1"}, nil, []string{tt.spec})
			assert.Error(t, err)
		})
	}
}

func TestProjectContext(t *testing.T) {
	ctx := WithProject(context.Background(), "proj_a", "key_a")

	projectID, err := GetProjectID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "proj_a", projectID)

	apiKey, err := GetAPIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key_a", apiKey)

	_, err = GetProjectID(context.Background())
	assert.Error(t, err)
	_, err = GetAPIKey(context.Background())
	assert.Error(t, err)
}
