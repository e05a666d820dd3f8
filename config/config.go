package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration engine.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains the reasoning provider configuration.
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"` // openai
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	PlanningModel  string        `mapstructure:"planning_model"`
	DiagnosisModel string        `mapstructure:"diagnosis_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// CapabilityConfig controls provider resolution and per-domain execution limits.
type CapabilityConfig struct {
	// Timeouts maps a capability domain to its dispatch timeout. Domains
	// without an entry fall back to DefaultTimeout.
	Timeouts       map[string]time.Duration `mapstructure:"timeouts"`
	DefaultTimeout time.Duration            `mapstructure:"default_timeout"`
	// MaxConcurrent bounds simultaneous dispatches per domain (e.g. a single
	// browser context). Zero means no per-domain bound.
	MaxConcurrent map[string]int `mapstructure:"max_concurrent"`
}

// RecoveryConfig bounds the recovery state machine.
type RecoveryConfig struct {
	RetryBudget      int           `mapstructure:"retry_budget"`  // per-step retries
	ReplanBudget     int           `mapstructure:"replan_budget"` // per-run replans
	Window           int           `mapstructure:"window"`        // prior outcomes given to diagnosis
	DiagnosisTimeout time.Duration `mapstructure:"diagnosis_timeout"`
}

// EngineConfig contains orchestration-wide limits.
type EngineConfig struct {
	MaxConcurrentTasks  int  `mapstructure:"max_concurrent_tasks"`
	SynthesizeOnSuccess bool `mapstructure:"synthesize_on_success"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// RedisConfig contains redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
}

func (r RedisConfig) Validate() error {
	if r.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required")
	}
	return nil
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

func (c CapabilityConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("capability.default_timeout must be > 0")
	}
	for domain, d := range c.Timeouts {
		if d <= 0 {
			return fmt.Errorf("capability.timeouts.%s must be > 0", domain)
		}
	}
	for domain, n := range c.MaxConcurrent {
		if n < 0 {
			return fmt.Errorf("capability.max_concurrent.%s cannot be negative", domain)
		}
	}
	return nil
}

func (r RecoveryConfig) Validate() error {
	if r.RetryBudget < 0 {
		return fmt.Errorf("recovery.retry_budget cannot be negative")
	}
	if r.ReplanBudget < 0 {
		return fmt.Errorf("recovery.replan_budget cannot be negative")
	}
	if r.Window <= 0 {
		return fmt.Errorf("recovery.window must be > 0")
	}
	return nil
}

func (e EngineConfig) Validate() error {
	if e.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("engine.max_concurrent_tasks must be > 0")
	}
	return nil
}

// TimeoutFor returns the dispatch timeout for a capability domain.
func (c CapabilityConfig) TimeoutFor(domain string) time.Duration {
	if d, ok := c.Timeouts[domain]; ok {
		return d
	}
	return c.DefaultTimeout
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10010")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.planning_model", "gpt-4o")
	v.SetDefault("llm.diagnosis_model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("capability.default_timeout", 10*time.Second)
	v.SetDefault("capability.timeouts.browser", 10*time.Second)
	v.SetDefault("capability.timeouts.desktop", 10*time.Second)
	v.SetDefault("capability.timeouts.vision", 60*time.Second)
	v.SetDefault("capability.max_concurrent.browser", 1)
	v.SetDefault("capability.max_concurrent.desktop", 1)
	v.SetDefault("capability.max_concurrent.vision", 4)
	v.SetDefault("recovery.retry_budget", 3)
	v.SetDefault("recovery.replan_budget", 2)
	v.SetDefault("recovery.window", 5)
	v.SetDefault("recovery.diagnosis_timeout", 30*time.Second)
	v.SetDefault("engine.max_concurrent_tasks", 8)
	v.SetDefault("engine.synthesize_on_success", true)
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.stream", "conductor:tasks")
	v.SetDefault("storage.redis.group", "conductor-workers")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
}

// LoadConfig reads configuration from file and environment (CONDUCTOR_*).
// A missing config file is not an error; defaults and env apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Capability.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Recovery.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
