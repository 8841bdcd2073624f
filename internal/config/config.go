// Package config loads server configuration from an optional YAML file and
// the environment. Environment variables always win, so a config file can
// hold defaults while deployments override per-instance values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	CORS       CORSConfig       `yaml:"cors"`
	Keys       KeysConfig       `yaml:"keys"`
	Stripe     StripeConfig     `yaml:"stripe"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
}

type ServerConfig struct {
	Port   string `yaml:"port"`
	Env    string `yaml:"env"`
	AppURL string `yaml:"app_url"`
}

type RateLimitConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

type KeysConfig struct {
	// Keys and KeyHashes together form the valid-key set. PlanSpecs are
	// "key:plan:seats" tuples; keys without a spec default to (free, 1).
	Keys      []string `yaml:"keys"`
	KeyHashes []string `yaml:"key_hashes"`
	PlanSpecs []string `yaml:"plan_specs"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	ProPriceID    string `yaml:"pro_price_id"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

// CloudTasksConfig enables durable webhook delivery through a Cloud Tasks
// queue. All three fields must be set; otherwise deliveries stay in-process.
type CloudTasksConfig struct {
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	Queue    string `yaml:"queue"`
}

// Production origins always allowed regardless of environment.
var productionOrigins = []string{
	"https://usekontext.com",
	"https://www.usekontext.com",
	"https://app.usekontext.com",
}

// Development origins added only in dev mode.
var developmentOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
}

// Load builds the configuration: defaults, then the YAML file named by
// KONTEXT_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:   "8080",
			Env:    "development",
			AppURL: "https://usekontext.com",
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			MaxRequests:   100,
		},
	}

	if path := os.Getenv("KONTEXT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if len(cfg.Keys.Keys) == 0 && len(cfg.Keys.KeyHashes) == 0 {
		return nil, fmt.Errorf("no API keys configured: set KONTEXT_API_KEY or KONTEXT_API_KEYS")
	}
	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" || cfg.Stripe.ProPriceID == "" {
		return nil, fmt.Errorf("billing is not configured: set STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET, and STRIPE_PRO_PRICE_ID")
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	return decoder.Decode(c)
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "NODE_ENV")
	setString(&c.Server.AppURL, "KONTEXT_APP_URL")

	if v := os.Getenv("KONTEXT_API_KEY"); v != "" {
		c.Keys.Keys = append(c.Keys.Keys, strings.TrimSpace(v))
	}
	c.Keys.Keys = append(c.Keys.Keys, splitList(os.Getenv("KONTEXT_API_KEYS"))...)
	c.Keys.KeyHashes = append(c.Keys.KeyHashes, splitList(os.Getenv("KONTEXT_API_KEY_HASHES"))...)
	c.Keys.PlanSpecs = append(c.Keys.PlanSpecs, splitList(os.Getenv("KONTEXT_API_KEY_PLANS"))...)

	c.CORS.Origins = append(c.CORS.Origins, splitList(os.Getenv("KONTEXT_CORS_ORIGINS"))...)

	setString(&c.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setString(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.Stripe.ProPriceID, "STRIPE_PRO_PRICE_ID")

	setString(&c.Redis.Addr, "KONTEXT_REDIS_ADDR")
	setString(&c.Redis.Password, "KONTEXT_REDIS_PASSWORD")
	if v := os.Getenv("KONTEXT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}

	setString(&c.PubSub.Project, "KONTEXT_PUBSUB_PROJECT")
	setString(&c.PubSub.Topic, "KONTEXT_PUBSUB_TOPIC")

	setString(&c.CloudTasks.Project, "KONTEXT_TASKS_PROJECT")
	setString(&c.CloudTasks.Location, "KONTEXT_TASKS_LOCATION")
	setString(&c.CloudTasks.Queue, "KONTEXT_TASKS_QUEUE")
}

// IsDev reports whether dev-only behaviour (extra CORS origins, verbose JSON
// parse errors) is enabled. Mirrors the Node convention: anything other than
// an explicit "development" is treated as deployed.
func (c *Config) IsDev() bool {
	return c.Server.Env == "development"
}

// AllowedOrigins is the CORS allow-list: the fixed production set, plus
// configured origins, plus development origins in dev mode.
func (c *Config) AllowedOrigins() []string {
	seen := make(map[string]bool)
	var origins []string

	add := func(list []string) {
		for _, o := range list {
			o = strings.TrimSpace(o)
			if o == "" || seen[o] {
				continue
			}
			seen[o] = true
			origins = append(origins, o)
		}
	}

	add(productionOrigins)
	add(c.CORS.Origins)
	if c.IsDev() {
		add(developmentOrigins)
	}
	return origins
}

// UpgradeURL is where over-limit responses point users.
func (c *Config) UpgradeURL() string {
	return strings.TrimRight(c.Server.AppURL, "/") + "/pricing"
}

// CloudTasksEnabled reports whether queue-backed webhook delivery is fully
// configured.
func (c *Config) CloudTasksEnabled() bool {
	return c.CloudTasks.Project != "" && c.CloudTasks.Location != "" && c.CloudTasks.Queue != ""
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
