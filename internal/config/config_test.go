package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// configEnvVars is every variable Load consults. Tests blank them all first
// so ambient shell state cannot leak in.
var configEnvVars = []string{
	"KONTEXT_CONFIG",
	"PORT", "NODE_ENV", "KONTEXT_APP_URL",
	"KONTEXT_API_KEY", "KONTEXT_API_KEYS", "KONTEXT_API_KEY_HASHES", "KONTEXT_API_KEY_PLANS",
	"KONTEXT_CORS_ORIGINS",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_PRO_PRICE_ID",
	"KONTEXT_REDIS_ADDR", "KONTEXT_REDIS_PASSWORD", "KONTEXT_REDIS_DB",
	"KONTEXT_PUBSUB_PROJECT", "KONTEXT_PUBSUB_TOPIC",
	"KONTEXT_TASKS_PROJECT", "KONTEXT_TASKS_LOCATION", "KONTEXT_TASKS_QUEUE",
}

func resetEnv(t *testing.T) {
	t.Helper()
	for _, v := range configEnvVars {
		t.Setenv(v, "")
	}
}

// setRequired provides the minimum environment Load accepts.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("KONTEXT_API_KEY", "key_test")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("STRIPE_PRO_PRICE_ID", "price_test")
}

func TestLoadDefaults(t *testing.T) {
	resetEnv(t)
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, "https://usekontext.com", cfg.Server.AppURL)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"key_test"}, cfg.Keys.Keys)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.CloudTasksEnabled())
}

func TestLoadRequiresKeys(t *testing.T) {
	resetEnv(t)
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("STRIPE_PRO_PRICE_ID", "price_test")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API keys configured")
}

func TestLoadRequiresBilling(t *testing.T) {
	resetEnv(t)
	t.Setenv("KONTEXT_API_KEY", "key_test")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing is not configured")
}

func TestLoadHashesAloneSatisfyKeyCheck(t *testing.T) {
	resetEnv(t)
	setRequired(t)
	t.Setenv("KONTEXT_API_KEY", "")
	t.Setenv("KONTEXT_API_KEY_HASHES", "$2a$10$abcdefghijklmnopqrstuv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Keys.Keys)
	assert.Len(t, cfg.Keys.KeyHashes, 1)
}

func TestLoadEnvOverrides(t *testing.T) {
	resetEnv(t)
	setRequired(t)
	t.Setenv("PORT", "9191")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("KONTEXT_APP_URL", "https://kontext.example")
	t.Setenv("KONTEXT_API_KEYS", "key_a, key_b")
	t.Setenv("KONTEXT_API_KEY_PLANS", "key_a:pro:3")
	t.Setenv("KONTEXT_REDIS_ADDR", "localhost:6379")
	t.Setenv("KONTEXT_REDIS_DB", "2")
	t.Setenv("KONTEXT_PUBSUB_PROJECT", "proj-gcp")
	t.Setenv("KONTEXT_PUBSUB_TOPIC", "kontext-events")
	t.Setenv("KONTEXT_TASKS_PROJECT", "proj-gcp")
	t.Setenv("KONTEXT_TASKS_LOCATION", "us-central1")
	t.Setenv("KONTEXT_TASKS_QUEUE", "webhooks")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, "https://kontext.example", cfg.Server.AppURL)

	// KONTEXT_API_KEY and KONTEXT_API_KEYS accumulate.
	assert.Equal(t, []string{"key_test", "key_a", "key_b"}, cfg.Keys.Keys)
	assert.Equal(t, []string{"key_a:pro:3"}, cfg.Keys.PlanSpecs)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "proj-gcp", cfg.PubSub.Project)
	assert.Equal(t, "kontext-events", cfg.PubSub.Topic)
	assert.True(t, cfg.CloudTasksEnabled())
}

func TestLoadConfigFile(t *testing.T) {
	resetEnv(t)
	setRequired(t)

	path := filepath.Join(t.TempDir(), "kontext.yaml")
	yaml := `
server:
  port: "9090"
  app_url: https://file.example
rate_limit:
  window_seconds: 30
  max_requests: 10
cors:
  origins:
    - https://dashboard.example
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("KONTEXT_CONFIG", path)
	// Environment still wins over the file.
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "https://file.example", cfg.Server.AppURL)
	assert.Equal(t, 30, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Contains(t, cfg.CORS.Origins, "https://dashboard.example")
}

func TestLoadMissingConfigFile(t *testing.T) {
	resetEnv(t)
	setRequired(t)
	t.Setenv("KONTEXT_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")
}

func TestAllowedOrigins(t *testing.T) {
	t.Run("development adds localhost origins", func(t *testing.T) {
		cfg := &Config{Server: ServerConfig{Env: "development"}}
		origins := cfg.AllowedOrigins()

		assert.Contains(t, origins, "https://usekontext.com")
		assert.Contains(t, origins, "http://localhost:3000")
		assert.Contains(t, origins, "http://localhost:5173")
	})

	t.Run("production excludes localhost origins", func(t *testing.T) {
		cfg := &Config{Server: ServerConfig{Env: "production"}}
		origins := cfg.AllowedOrigins()

		assert.Contains(t, origins, "https://usekontext.com")
		for _, o := range origins {
			assert.NotContains(t, o, "localhost")
		}
	})

	t.Run("configured origins are merged and deduplicated", func(t *testing.T) {
		cfg := &Config{
			Server: ServerConfig{Env: "production"},
			CORS:   CORSConfig{Origins: []string{"https://usekontext.com", " https://extra.example "}},
		}
		origins := cfg.AllowedOrigins()

		assert.Contains(t, origins, "https://extra.example")
		count := 0
		for _, o := range origins {
			if o == "https://usekontext.com" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})
}

func TestUpgradeURL(t *testing.T) {
	cfg := &Config{Server: ServerConfig{AppURL: "https://usekontext.com/"}}
	assert.Equal(t, "https://usekontext.com/pricing", cfg.UpgradeURL())

	cfg.Server.AppURL = "https://usekontext.com"
	assert.Equal(t, "https://usekontext.com/pricing", cfg.UpgradeURL())
}

func TestCloudTasksEnabled(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.CloudTasksEnabled())

	cfg.CloudTasks = CloudTasksConfig{Project: "p", Location: "l"}
	assert.False(t, cfg.CloudTasksEnabled())

	cfg.CloudTasks.Queue = "q"
	assert.True(t, cfg.CloudTasksEnabled())
}
