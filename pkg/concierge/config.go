package concierge

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/concierge/pkg/eventbus"
	"github.com/harunnryd/concierge/pkg/providers/twilio"
	"github.com/harunnryd/concierge/pkg/transports/web"
)

const envPrefix = "CONCIERGE"

type Config struct {
	Environment string             `mapstructure:"environment"`
	LogLevel    string             `mapstructure:"log_level"`
	LogFormat   string             `mapstructure:"log_format"`
	Server      web.Config         `mapstructure:"server"`
	Session     SessionConfig      `mapstructure:"session"`
	Tools       ToolsConfig        `mapstructure:"tools"`
	Model       ModelConfig        `mapstructure:"model"`
	Providers   ProvidersConfig    `mapstructure:"providers"`
	Workflow    WorkflowConfig     `mapstructure:"workflow"`
	Store       StoreConfig        `mapstructure:"store"`
	Persistence PersistenceConfig  `mapstructure:"persistence"`
	Kafka       eventbus.Config    `mapstructure:"kafka"`
	Twilio      twilio.Config      `mapstructure:"twilio"`
	Privacy     PrivacyConfig      `mapstructure:"privacy"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Timeline    TimelineConfig     `mapstructure:"timeline"`
	Shutdown    ShutdownConfig     `mapstructure:"shutdown"`
	Banner      bool               `mapstructure:"banner"`
	Agent       AgentProfileConfig `mapstructure:"agent"`
}

type VendorConfig struct {
	Name     string         `mapstructure:"name"`
	Settings map[string]any `mapstructure:"settings"`
}

type ProvidersConfig struct {
	Model    VendorConfig `mapstructure:"model"`
	Business VendorConfig `mapstructure:"business"`
}

type SessionConfig struct {
	EventBuffer     int `mapstructure:"event_buffer"`
	SelectionTTLMS  int `mapstructure:"selection_ttl_ms"`
	IdleTimeoutMS   int `mapstructure:"idle_timeout_ms"`
	EvictIntervalMS int `mapstructure:"evict_interval_ms"`
	HistoryTurns    int `mapstructure:"history_turns"`
	ContextMaxChars int `mapstructure:"context_max_chars"`
	MailboxSize     int `mapstructure:"mailbox_size"`
}

type ToolsConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
}

// ModelConfig tunes the resilience wrapper around the model provider.
type ModelConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BaseDelayMS      int     `mapstructure:"base_delay_ms"`
	MaxDelayMS       int     `mapstructure:"max_delay_ms"`
	Jitter           float64 `mapstructure:"jitter"`
	BreakerThreshold int     `mapstructure:"breaker_threshold"`
	BreakerCooldown  int     `mapstructure:"breaker_cooldown_ms"`
}

type WorkflowConfig struct {
	Engine string `mapstructure:"engine"`
}

type StoreConfig struct {
	Kind string `mapstructure:"kind"`
	Dir  string `mapstructure:"dir"`
}

type PersistenceConfig struct {
	SyncSnapshots bool `mapstructure:"sync_snapshots"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	JSONLPath       string  `mapstructure:"jsonl_path"`
	JSONLSampleRate float64 `mapstructure:"jsonl_sample_rate"`
	Prometheus      bool    `mapstructure:"prometheus"`
	AsyncBuffer     int     `mapstructure:"async_buffer"`
}

type TimelineConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type ShutdownConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

// AgentProfileConfig shapes the system prompt handed to the model.
type AgentProfileConfig struct {
	Business string `mapstructure:"business"`
	Persona  string `mapstructure:"persona"`
	Style    string `mapstructure:"style"`
}

// LoadConfig reads path (optional) and CONCIERGE_* environment overrides.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("banner", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_body_bytes", 64<<10)
	v.SetDefault("server.socket_buffer", 256)
	v.SetDefault("server.write_timeout_ms", 5000)

	v.SetDefault("session.event_buffer", 200)
	v.SetDefault("session.selection_ttl_ms", 10*60*1000)
	v.SetDefault("session.idle_timeout_ms", 30*60*1000)
	v.SetDefault("session.evict_interval_ms", 60*1000)
	v.SetDefault("session.history_turns", 6)
	v.SetDefault("session.context_max_chars", 1200)
	v.SetDefault("session.mailbox_size", 16)

	v.SetDefault("tools.timeout_ms", 6000)

	v.SetDefault("model.max_attempts", 3)
	v.SetDefault("model.base_delay_ms", 250)
	v.SetDefault("model.max_delay_ms", 4000)
	v.SetDefault("model.jitter", 0.2)
	v.SetDefault("model.breaker_threshold", 3)
	v.SetDefault("model.breaker_cooldown_ms", 30000)

	v.SetDefault("providers.model.name", "mock")
	v.SetDefault("providers.model.settings", map[string]any{})
	v.SetDefault("providers.business.name", "mock")
	v.SetDefault("providers.business.settings", map[string]any{})

	v.SetDefault("workflow.engine", "memory")
	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.dir", "")
	v.SetDefault("persistence.sync_snapshots", true)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "concierge.events")
	v.SetDefault("kafka.principal", "concierge")
	v.SetDefault("kafka.buffer", 1024)
	v.SetDefault("kafka.retries", 2)
	v.SetDefault("kafka.retry_backoff_ms", 200)

	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.api_key_sid", "")
	v.SetDefault("twilio.api_secret", "")
	v.SetDefault("twilio.twiml_app_sid", "")
	v.SetDefault("twilio.from_number", "")
	v.SetDefault("twilio.notify_number", "")
	v.SetDefault("twilio.token_ttl_seconds", 3600)

	v.SetDefault("privacy.redact_pii", true)

	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.jsonl_sample_rate", 1.0)
	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.async_buffer", 2048)

	v.SetDefault("timeline.dir", "")
	v.SetDefault("timeline.retention_days", 0)

	v.SetDefault("shutdown.drain_timeout_ms", 20000)

	v.SetDefault("agent.business", "Northwind Heating & Air")
	v.SetDefault("agent.persona", "")
	v.SetDefault("agent.style", "")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Providers.Model.Name) == "" {
		return fmt.Errorf("providers.model.name is required")
	}
	if strings.TrimSpace(c.Providers.Business.Name) == "" {
		return fmt.Errorf("providers.business.name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Kind)) {
	case "memory", "":
	case "dir":
		if strings.TrimSpace(c.Store.Dir) == "" {
			return fmt.Errorf("store.dir is required when store.kind is dir")
		}
	default:
		return fmt.Errorf("store.kind %q is not supported", c.Store.Kind)
	}
	if e := strings.ToLower(strings.TrimSpace(c.Workflow.Engine)); e != "" && e != "memory" {
		return fmt.Errorf("workflow.engine %q is not supported", c.Workflow.Engine)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Metrics.JSONLSampleRate < 0 || c.Metrics.JSONLSampleRate > 1 {
		return fmt.Errorf("metrics.jsonl_sample_rate must be within [0,1]")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Providers.Model.Settings = expandSettings(cfg.Providers.Model.Settings)
	cfg.Providers.Business.Settings = expandSettings(cfg.Providers.Business.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
