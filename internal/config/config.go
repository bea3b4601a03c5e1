// Package config provides configuration loading, validation, and defaults for
// postwatch.
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

// Config is the top-level configuration for postwatch.
type Config struct {
	Log      LogConfig       `yaml:"log"      json:"log"`
	Server   ServerConfig    `yaml:"server"   json:"server"`
	X        XConfig         `yaml:"x"        json:"x"`
	Monitor  MonitorConfig   `yaml:"monitor"  json:"monitor"`
	Storage  StorageConfig   `yaml:"storage"  json:"storage"`
	Notify   NotifyConfig    `yaml:"notify"   json:"notify"`
	Accounts []AccountConfig `yaml:"accounts" json:"accounts" validate:"dive"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"PW_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"PW_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled       bool          `yaml:"enabled"        json:"enabled"        env:"PW_SERVER_ENABLED"`
	ListenAddress string        `yaml:"listen_address" json:"listen_address" env:"PW_LISTEN_ADDRESS" validate:"required_if=Enabled true"`
	EnablePprof   bool          `yaml:"enable_pprof"   json:"enable_pprof"   env:"PW_ENABLE_PPROF"`
	Trigger       TriggerConfig `yaml:"trigger"        json:"trigger"`
}

// TriggerConfig holds the on-demand poll endpoint settings.
type TriggerConfig struct {
	Enabled     bool   `yaml:"enabled"      json:"enabled"      env:"PW_TRIGGER_ENABLED"`
	SecretToken string `yaml:"secret_token" json:"secret_token" env:"PW_TRIGGER_SECRET_TOKEN"`
}

// XConfig holds X API connection settings.
type XConfig struct {
	BaseURL               string  `yaml:"base_url"                 json:"base_url"                 env:"PW_X_BASE_URL"              validate:"required,url"`
	BearerToken           string  `yaml:"bearer_token"             json:"bearer_token"             env:"PW_X_BEARER_TOKEN"          validate:"required"`
	PageSize              int     `yaml:"page_size"                json:"page_size"                env:"PW_X_PAGE_SIZE"             validate:"min=5,max=100"`
	MaxRequestsPerSecond  float64 `yaml:"max_requests_per_second"  json:"max_requests_per_second"  env:"PW_X_MAX_RPS"               validate:"min=0"`
	BurstRequests         int     `yaml:"burst_requests"           json:"burst_requests"           env:"PW_X_BURST"                 validate:"min=0"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"  json:"request_timeout_seconds"  env:"PW_X_REQUEST_TIMEOUT"       validate:"min=1"`
	MaxBackoffWaitSeconds int     `yaml:"max_backoff_wait_seconds" json:"max_backoff_wait_seconds" env:"PW_X_MAX_BACKOFF_WAIT"      validate:"min=0"`
}

// RequestTimeout returns the HTTP timeout as a time.Duration.
func (c XConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// MaxBackoffWait returns the longest in-request backoff wait.
func (c XConfig) MaxBackoffWait() time.Duration {
	return time.Duration(c.MaxBackoffWaitSeconds) * time.Second
}

// MonitorConfig holds polling settings.
type MonitorConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" json:"poll_interval_seconds" env:"PW_POLL_INTERVAL_SECONDS" validate:"min=1"`
	Concurrency         int    `yaml:"concurrency"           json:"concurrency"           env:"PW_CONCURRENCY"           validate:"min=1,max=64"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds" env:"PW_FETCH_TIMEOUT"         validate:"min=1"`
	SeenCapacity        int    `yaml:"seen_capacity"         json:"seen_capacity"         env:"PW_SEEN_CAPACITY"         validate:"min=1"`
	ProviderOrder       string `yaml:"provider_order"        json:"provider_order"        env:"PW_PROVIDER_ORDER"        validate:"oneof=newest_first oldest_first"`
	EmitOnFirstRun      bool   `yaml:"emit_on_first_run"     json:"emit_on_first_run"     env:"PW_EMIT_ON_FIRST_RUN"`
	// ResumePersisted re-registers every handle found in storage at startup.
	ResumePersisted bool `yaml:"resume_persisted" json:"resume_persisted" env:"PW_RESUME_PERSISTED"`
}

// PollInterval returns the sleep between passes.
func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// FetchTimeout returns the per-account fetch timeout.
func (c MonitorConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// StorageConfig selects the state store.
type StorageConfig struct {
	Backend     string `yaml:"backend"      json:"backend"      env:"PW_STORAGE_BACKEND" validate:"oneof=file sqlite redis memory"`
	Path        string `yaml:"path"         json:"path"         env:"PW_STORAGE_PATH"    validate:"required_if=Backend file,required_if=Backend sqlite"`
	RedisURL    string `yaml:"redis_url"    json:"redis_url"    env:"PW_REDIS_URL"       validate:"required_if=Backend redis"`
	RedisPrefix string `yaml:"redis_prefix" json:"redis_prefix" env:"PW_REDIS_PREFIX"`
}

// NotifyConfig configures the built-in observers.
type NotifyConfig struct {
	Log     LogNotifyConfig     `yaml:"log"     json:"log"`
	Webhook WebhookNotifyConfig `yaml:"webhook" json:"webhook"`
	Kafka   KafkaNotifyConfig   `yaml:"kafka"   json:"kafka"`
}

// LogNotifyConfig enables the log observer.
type LogNotifyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"PW_NOTIFY_LOG"`
}

// WebhookNotifyConfig enables the chat webhook observer.
type WebhookNotifyConfig struct {
	Enabled        bool   `yaml:"enabled"         json:"enabled"         env:"PW_NOTIFY_WEBHOOK_ENABLED"`
	URL            string `yaml:"url"             json:"url"             env:"PW_NOTIFY_WEBHOOK_URL"     validate:"omitempty,url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds" env:"PW_NOTIFY_WEBHOOK_TIMEOUT" validate:"min=1"`
}

// Timeout returns the webhook request timeout.
func (c WebhookNotifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// KafkaNotifyConfig enables the Kafka observer.
type KafkaNotifyConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled" env:"PW_NOTIFY_KAFKA_ENABLED"`
	Brokers []string `yaml:"brokers" json:"brokers" env:"PW_KAFKA_BROKERS" validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic"   json:"topic"   env:"PW_KAFKA_TOPIC"   validate:"required_if=Enabled true"`
}

// AccountConfig is one tracked account.
type AccountConfig struct {
	Handle          string `yaml:"handle"           json:"handle"           validate:"required"`
	ExcludeReplies  bool   `yaml:"exclude_replies"  json:"exclude_replies"`
	ExcludeRetweets bool   `yaml:"exclude_retweets" json:"exclude_retweets"`
}

// Load builds the configuration with Parse and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds the configuration without validating it: defaults, then the
// YAML file at path (if path is not empty), then environment variable
// overrides. Callers that layer further overrides call Validate afterwards.
func Parse(path string) (*Config, error) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides walks the config struct and overwrites fields that have
// an "env" tag if the corresponding environment variable is set.
func applyEnvOverrides(cfg *Config) {
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
// string, bool, int, float64 and []string field types.
func setFieldFromString(field reflect.Value, raw string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err == nil {
			field.SetBool(b)
		}

	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err == nil {
			field.SetInt(int64(n))
		}

	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			field.SetFloat(f)
		}

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(raw, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				s := strings.TrimSpace(p)
				if s != "" {
					result = append(result, s)
				}
			}
			field.Set(reflect.ValueOf(result))
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
	cp.X.BearerToken = redactString(cp.X.BearerToken)
	cp.Server.Trigger.SecretToken = redactString(cp.Server.Trigger.SecretToken)
	cp.Storage.RedisURL = redactString(cp.Storage.RedisURL)
	cp.Notify.Webhook.URL = redactString(cp.Notify.Webhook.URL)
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
