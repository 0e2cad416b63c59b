// Package config provides configuration loading, validation, and defaults for
// everywhere-relay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Time bound formats accepted by the upstream tracks endpoint.
const (
	TimeBoundEpochMillis = "epoch_ms"
	TimeBoundISO8601     = "iso8601"
)

// State backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the top-level configuration for everywhere-relay.
type Config struct {
	Log      LogConfig      `yaml:"log"      json:"log"`
	Server   ServerConfig   `yaml:"server"   json:"server"`
	Hub      HubConfig      `yaml:"hub"      json:"hub"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	State    StateConfig    `yaml:"state"    json:"state"`
	Output   OutputConfig   `yaml:"output"   json:"output"`
	Debug    bool           `yaml:"debug"    json:"debug"    env:"ER_DEBUG"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"ER_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"ER_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address" json:"listen_address" env:"ER_LISTEN_ADDRESS" validate:"required"`
	EnablePprof   bool          `yaml:"enable_pprof"   json:"enable_pprof"   env:"ER_ENABLE_PPROF"`
	DeviceMetrics bool          `yaml:"device_metrics" json:"device_metrics" env:"ER_DEVICE_METRICS"`
	Webhook       WebhookConfig `yaml:"webhook"        json:"webhook"`
}

// WebhookConfig holds webhook receiver settings.
type WebhookConfig struct {
	Enabled     bool   `yaml:"enabled"      json:"enabled"      env:"ER_WEBHOOK_ENABLED"`
	SecretToken string `yaml:"secret_token" json:"secret_token" env:"ER_WEBHOOK_SECRET_TOKEN"`
}

// HubConfig holds the Everywhere Hub upstream settings and the cache timing
// options.
type HubConfig struct {
	URL                    string `yaml:"url"                     json:"url"                     env:"ER_HUB_URL"               validate:"required,url"`
	TokenID                string `yaml:"token_id"                json:"token_id"                env:"ER_HUB_TOKEN_ID"`
	CacheRefreshMs         int64  `yaml:"cache_refresh_ms"        json:"cache_refresh_ms"        env:"ER_CACHE_REFRESH_MS"      validate:"min=0"`
	RetentionDurationMs    int64  `yaml:"retention_duration_ms"   json:"retention_duration_ms"   env:"ER_RETENTION_DURATION_MS" validate:"min=1"`
	TimeBoundFormat        string `yaml:"time_bound_format"       json:"time_bound_format"       env:"ER_HUB_TIME_BOUND_FORMAT" validate:"oneof=epoch_ms iso8601"`
	KeyPrefix              string `yaml:"key_prefix"              json:"key_prefix"              env:"ER_KEY_PREFIX"            validate:"required"`
	RequestTimeoutSeconds  int    `yaml:"request_timeout_seconds" json:"request_timeout_seconds" env:"ER_HUB_TIMEOUT_SECONDS"   validate:"min=1"`
	MaxRequestsPerSecond   int    `yaml:"max_requests_per_second" json:"max_requests_per_second" env:"ER_HUB_MAX_RPS"           validate:"omitempty,min=0"`
	BurstRequestsPerSecond int    `yaml:"burst_requests_per_second" json:"burst_requests_per_second" env:"ER_HUB_BURST_RPS"   validate:"omitempty,min=0"`
}

// CacheRefresh returns the minimum interval between bulk pulls.
func (c HubConfig) CacheRefresh() time.Duration {
	return time.Duration(c.CacheRefreshMs) * time.Millisecond
}

// Retention returns the maximum age of a cached track.
func (c HubConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDurationMs) * time.Millisecond
}

// RequestTimeout returns the upstream request timeout.
func (c HubConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ScheduleConfig controls how often the scheduled tick runs in daemon mode.
type ScheduleConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds" env:"ER_SCHEDULE_INTERVAL_SECONDS" validate:"min=1"`
}

// Interval returns the tick interval as a time.Duration.
func (c ScheduleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StateConfig selects where the ephemeral store is persisted between
// invocations.
type StateConfig struct {
	Backend     string `yaml:"backend"      json:"backend"      env:"ER_STATE_BACKEND"      validate:"oneof=memory redis postgres"`
	RedisURL    string `yaml:"redis_url"    json:"redis_url"    env:"ER_REDIS_URL"          validate:"required_if=Backend redis"`
	PostgresDSN string `yaml:"postgres_dsn" json:"postgres_dsn" env:"ER_POSTGRES_DSN"       validate:"required_if=Backend postgres"`
	Key         string `yaml:"key"          json:"key"          env:"ER_STATE_KEY"          validate:"required"`
	LockTTLMs   int64  `yaml:"lock_ttl_ms"  json:"lock_ttl_ms"  env:"ER_STATE_LOCK_TTL_MS"  validate:"min=1"`
}

// LockTTL returns how long a distributed store lock may be held.
func (c StateConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMs) * time.Millisecond
}

// OutputConfig holds downstream delivery settings.
type OutputConfig struct {
	URL       string `yaml:"url"        json:"url"        env:"ER_OUTPUT_URL"        validate:"omitempty,url"`
	Token     string `yaml:"token"      json:"token"      env:"ER_OUTPUT_TOKEN"`
	WebSocket bool   `yaml:"websocket"  json:"websocket"  env:"ER_OUTPUT_WEBSOCKET"`
	QueueSize int    `yaml:"queue_size" json:"queue_size" env:"ER_OUTPUT_QUEUE_SIZE" validate:"min=1"`
}

// Load reads a YAML configuration file, applies defaults, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes the same way Load does.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides walks the config struct and overwrites fields that have
// an "env" tag if the corresponding environment variable is set.
func ApplyEnvOverrides(cfg *Config) {
	applyEnvOverridesOnValue(reflect.ValueOf(cfg))
}

func applyEnvOverridesOnValue(v reflect.Value) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if fieldVal.Kind() == reflect.Struct {
			applyEnvOverridesOnValue(fieldVal.Addr())
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		envVal, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		setFieldFromString(fieldVal, envVal)
	}
}

// setFieldFromString sets a reflect.Value from a string, supporting
// string, bool, and integer field types.
func setFieldFromString(field reflect.Value, raw string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)

	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err == nil {
			field.SetBool(b)
		}

	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err == nil {
			field.SetInt(n)
		}
	}
}

// redactString replaces a secret string with "****" if non-empty.
func redactString(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Redacted returns a copy of the Config with sensitive fields masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.Hub.TokenID = redactString(cp.Hub.TokenID)
	cp.Server.Webhook.SecretToken = redactString(cp.Server.Webhook.SecretToken)
	cp.State.RedisURL = redactString(cp.State.RedisURL)
	cp.State.PostgresDSN = redactString(cp.State.PostgresDSN)
	cp.Output.Token = redactString(cp.Output.Token)
	return cp
}

// RedactedJSON returns the config as indented JSON with secrets masked.
func (c *Config) RedactedJSON() ([]byte, error) {
	redacted := c.Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling redacted config: %w", err)
	}
	return data, nil
}
