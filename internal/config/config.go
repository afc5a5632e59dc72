// Package config provides configuration for the orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. GOGO_HTTP_PORT.
const EnvPrefix = "GOGO"

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort     int `mapstructure:"http_port"`
	InternalPort int `mapstructure:"internal_port"`
	RPCPort      int `mapstructure:"rpc_port"`

	// Database
	DatabaseURL string `mapstructure:"database_url"`

	// Ingress settings
	IngressURL string `mapstructure:"ingress_url"`

	// Reasoning backend (OpenAI-compatible, usually LiteLLM)
	LiteLLMURL    string        `mapstructure:"litellm_url"`
	LiteLLMAPIKey string        `mapstructure:"litellm_api_key"`
	Model         string        `mapstructure:"model"`
	LLMTimeout    time.Duration `mapstructure:"llm_timeout"`
	Mode          string        `mapstructure:"mode"`

	// InstanceID identifies this process in execution checkpoints.
	InstanceID        string `mapstructure:"instance_id"`
	SupervisorAgentID string `mapstructure:"supervisor_agent_id"`
	CatalogPath       string `mapstructure:"catalog_path"`
	CallbackURL       string `mapstructure:"callback_url"`

	Log        LogConfig        `mapstructure:"log"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Timeouts   TimeoutConfig    `mapstructure:"timeouts"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Delegation DelegationConfig `mapstructure:"delegation"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Executions ExecutionConfig  `mapstructure:"executions"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls OTLP trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// TimeoutConfig holds execution budget settings.
type TimeoutConfig struct {
	// Default is the environment-level default; zero means unset.
	Default    time.Duration            `mapstructure:"default"`
	Fallback   time.Duration            `mapstructure:"fallback"`
	Categories map[string]time.Duration `mapstructure:"categories"`
	Margin     float64                  `mapstructure:"margin"`

	Tool          time.Duration `mapstructure:"tool"`
	Approval      time.Duration `mapstructure:"approval"`
	WarnRatio     float64       `mapstructure:"warn_ratio"`
	GraceRatio    float64       `mapstructure:"grace_ratio"`
	CeilingFactor float64       `mapstructure:"ceiling_factor"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

// RoutingConfig holds intent router settings.
type RoutingConfig struct {
	CacheSize          int           `mapstructure:"cache_size"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	AcceptThreshold    float64       `mapstructure:"accept_threshold"`
	HeuristicThreshold float64       `mapstructure:"heuristic_threshold"`
	SeparationMargin   float64       `mapstructure:"separation_margin"`
}

// DelegationConfig holds delegation coordinator settings.
type DelegationConfig struct {
	MaxDepth     int           `mapstructure:"max_depth"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

// RegistryConfig holds agent registry quotas.
type RegistryConfig struct {
	MaxSubAgentsPerParent  int `mapstructure:"max_sub_agents_per_parent"`
	MaxCustomAgentsPerUser int `mapstructure:"max_custom_agents_per_user"`
	MaxNameAttempts        int `mapstructure:"max_name_attempts"`
	// SyncInterval reloads agents written by other instances.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// ExecutionConfig holds execution registry settings.
type ExecutionConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Load loads configuration from .env, an optional YAML file named by
// GOGO_CONFIG, and GOGO_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading files or environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("internal_port", 8081)
	v.SetDefault("rpc_port", 8082)
	v.SetDefault("database_url", "file:orchestrator.db?cache=shared&mode=rwc&_busy_timeout=5000")
	v.SetDefault("ingress_url", "")
	v.SetDefault("litellm_url", "http://localhost:4000")
	v.SetDefault("litellm_api_key", "")
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("llm_timeout", "60s")
	v.SetDefault("mode", "")
	v.SetDefault("instance_id", "")
	v.SetDefault("supervisor_agent_id", "supervisor")
	v.SetDefault("catalog_path", "catalog.yaml")
	v.SetDefault("callback_url", "http://localhost:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("timeouts.default", "0s")
	v.SetDefault("timeouts.fallback", "5m")
	v.SetDefault("timeouts.categories", map[string]time.Duration{
		"scheduling":    2 * time.Minute,
		"communication": 3 * time.Minute,
		"documents":     5 * time.Minute,
		"research":      10 * time.Minute,
	})
	v.SetDefault("timeouts.margin", 0.2)
	v.SetDefault("timeouts.tool", "60s")
	v.SetDefault("timeouts.approval", "30m")
	v.SetDefault("timeouts.warn_ratio", 0.8)
	v.SetDefault("timeouts.grace_ratio", 0.25)
	v.SetDefault("timeouts.ceiling_factor", 3.0)
	v.SetDefault("timeouts.watch_interval", "1s")

	v.SetDefault("routing.cache_size", 1024)
	v.SetDefault("routing.cache_ttl", "10m")
	v.SetDefault("routing.accept_threshold", 0.75)
	v.SetDefault("routing.heuristic_threshold", 0.55)
	v.SetDefault("routing.separation_margin", 0.15)

	v.SetDefault("delegation.max_depth", 3)
	v.SetDefault("delegation.dedupe_window", "10m")

	v.SetDefault("registry.max_sub_agents_per_parent", 8)
	v.SetDefault("registry.max_custom_agents_per_user", 20)
	v.SetDefault("registry.max_name_attempts", 5)
	v.SetDefault("registry.sync_interval", "30s")

	v.SetDefault("executions.retention", "15m")
	v.SetDefault("executions.sweep_interval", "1m")
}
