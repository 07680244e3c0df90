package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/safety"
)

const appName = "querypilot"

type Config struct {
	Server      ServerConfig     `yaml:"server" json:"server"`
	LLM         LLMConfig        `yaml:"llm" json:"llm"`
	Models      []ModelProfile   `yaml:"models" json:"models"`             // Saved LLM model profiles
	ActiveModel string           `yaml:"active_model" json:"active_model"` // Profile applied over llm when set
	Safety      SafetyConfig     `yaml:"safety" json:"safety"`
	History     HistoryConfig    `yaml:"history" json:"history"`
	Databases   []DatabaseConfig `yaml:"databases" json:"databases"` // Connections opened at startup
	LogLevel    string           `yaml:"log_level" json:"log_level"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ClientURL       string        `yaml:"client_url" json:"client_url"` // Allowed CORS origin
	Environment     string        `yaml:"environment" json:"environment"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// RateLimit caps /api/ requests per client per minute. 0 disables it.
	RateLimit int `yaml:"rate_limit" json:"rate_limit"`
}

type LLMConfig struct {
	Provider      string        `yaml:"provider" json:"provider"`
	Model         string        `yaml:"model" json:"model"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint"`
	APIKey        string        `yaml:"api_key" json:"api_key"`
	SkipTLSVerify bool          `yaml:"skip_tls_verify" json:"skip_tls_verify"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	RetryEnabled  bool          `yaml:"retry_enabled" json:"retry_enabled"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	MaxBackoff    float64       `yaml:"max_backoff" json:"max_backoff"` // seconds
	// AutoSchema describes the target database for the model when the
	// request carries no schema hint.
	AutoSchema bool `yaml:"auto_schema" json:"auto_schema"`
}

// ModelProfile represents a saved LLM model configuration.
type ModelProfile struct {
	Name        string `yaml:"name" json:"name"`
	Provider    string `yaml:"provider" json:"provider"`
	Model       string `yaml:"model" json:"model"`
	Endpoint    string `yaml:"endpoint" json:"endpoint,omitempty"`
	APIKey      string `yaml:"api_key" json:"api_key,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type SafetyConfig struct {
	// DefaultMode applies to requests that name no mode.
	DefaultMode string `yaml:"default_mode" json:"default_mode"`
	// ConfirmUnknown holds unrecognised statements for confirmation in safe mode.
	ConfirmUnknown bool `yaml:"confirm_unknown" json:"confirm_unknown"`
	// BindConfirmations only executes confirmed SQL that matches the query
	// the server proposed for the same conversation.
	BindConfirmations bool `yaml:"bind_confirmations" json:"bind_confirmations"`
	// PendingTTL drops proposals left unanswered this long. Zero disables expiry.
	PendingTTL time.Duration `yaml:"pending_ttl" json:"pending_ttl"`
}

// HistoryConfig holds the query history store settings.
type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	DBType     string `yaml:"db_type" json:"db_type"` // sqlite, postgres, mariadb, mysql
	DBPath     string `yaml:"db_path" json:"db_path"` // SQLite file (default: $XDG_DATA_HOME/querypilot/history.db)
	DBHost     string `yaml:"db_host" json:"db_host"`
	DBPort     int    `yaml:"db_port" json:"db_port"`
	DBName     string `yaml:"db_name" json:"db_name"`
	DBUser     string `yaml:"db_user" json:"db_user"`
	DBPassword string `yaml:"db_password" json:"db_password"`
	DBSSLMode  string `yaml:"db_ssl_mode" json:"db_ssl_mode"`

	RetentionDays     int    `yaml:"retention_days" json:"retention_days"` // 0 = keep forever
	RetentionSchedule string `yaml:"retention_schedule" json:"retention_schedule"`
}

// DatabaseConfig is a target connection opened when the server starts.
type DatabaseConfig struct {
	Name        string                 `yaml:"name" json:"name"`
	Type        string                 `yaml:"type" json:"type"`
	Credentials datasource.Credentials `yaml:"credentials" json:"credentials"`
}

// Defaults.
const (
	DefaultPort          = 3001
	DefaultClientURL     = "http://localhost:3000"
	DefaultGeminiModel   = "gemini-2.5-flash"
	DefaultOllamaModel   = "llama3.2"
	DefaultMaxBodyBytes  = 1 << 20
	DefaultRateLimit     = 60
	DefaultRetentionCron = "@daily"
	DefaultPendingTTL    = 30 * time.Minute
)

func GetConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// GetConfigDir returns the querypilot configuration directory.
func GetConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

// DefaultDBPath returns the default history database path.
func DefaultDBPath() string {
	return filepath.Join(xdg.DataHome, appName, "history.db")
}

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ClientURL:       DefaultClientURL,
			Environment:     "development",
			MaxBodyBytes:    DefaultMaxBodyBytes,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       DefaultRateLimit,
		},
		LLM: LLMConfig{
			Provider:   "gemini",
			Model:      DefaultGeminiModel,
			Timeout:    60 * time.Second,
			MaxRetries: 5,
			MaxBackoff: 10.0,
			AutoSchema: true,
		},
		Models: []ModelProfile{
			{
				Name:        "gemini-flash",
				Provider:    "gemini",
				Model:       DefaultGeminiModel,
				Description: "Google Gemini 2.5 Flash (default)",
			},
			{
				Name:        "gpt-4o-mini",
				Provider:    "openai",
				Model:       "gpt-4o-mini",
				Description: "OpenAI GPT-4o mini",
			},
			{
				Name:        "llama-local",
				Provider:    "ollama",
				Model:       DefaultOllamaModel,
				Endpoint:    "http://localhost:11434",
				Description: "Llama 3.2 via Ollama (local/offline)",
			},
		},
		Safety: SafetyConfig{
			DefaultMode: string(safety.ModeReadOnly),
			PendingTTL:  DefaultPendingTTL,
		},
		History: HistoryConfig{
			Enabled:           true,
			DBType:            "sqlite",
			RetentionDays:     0,
			RetentionSchedule: DefaultRetentionCron,
		},
		LogLevel: "info",
	}
}

// GetActiveModelProfile returns the profile named by ActiveModel, or nil.
func (c *Config) GetActiveModelProfile() *ModelProfile {
	if c.ActiveModel == "" {
		return nil
	}
	for i := range c.Models {
		if c.Models[i].Name == c.ActiveModel {
			return &c.Models[i]
		}
	}
	return nil
}

// EffectiveLLM returns the llm section with the active profile applied.
func (c *Config) EffectiveLLM() LLMConfig {
	llm := c.LLM
	if p := c.GetActiveModelProfile(); p != nil {
		llm.Provider = p.Provider
		llm.Model = p.Model
		llm.Endpoint = p.Endpoint
		if p.APIKey != "" {
			llm.APIKey = p.APIKey
		}
	}
	return llm
}

// GetEffectiveDBPath returns the effective history database path.
func (c *Config) GetEffectiveDBPath() string {
	if c.History.DBPath != "" {
		return c.History.DBPath
	}
	return DefaultDBPath()
}

// DefaultMode returns the configured fallback safety mode.
func (c *Config) DefaultMode() safety.Mode {
	return safety.ParseMode(c.Safety.DefaultMode)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if !c.DefaultMode().Valid() {
		return fmt.Errorf("invalid safety.default_mode %q (want read-only, safe or full-access)", c.Safety.DefaultMode)
	}
	if c.ActiveModel != "" && c.GetActiveModelProfile() == nil {
		return fmt.Errorf("active_model %q does not match any model profile", c.ActiveModel)
	}
	for _, db := range c.Databases {
		kind, err := datasource.ParseKind(db.Type)
		if err != nil {
			return fmt.Errorf("databases[%s]: %w", db.Name, err)
		}
		if err := db.Credentials.Validate(kind); err != nil {
			return fmt.Errorf("databases[%s]: %w", db.Name, err)
		}
	}
	return nil
}

// LoadConfig reads the default config file. A missing file yields defaults.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(GetConfigPath())
}

// LoadConfigFrom reads the config at path, then applies environment
// overrides.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies QUERYPILOT_* environment variable overrides.
// PORT, CLIENT_URL and GEMINI_API_KEY are honoured for compatibility with
// plain container deployments.
func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("QUERYPILOT_PORT", "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := firstEnv("QUERYPILOT_CLIENT_URL", "CLIENT_URL"); v != "" {
		cfg.Server.ClientURL = v
	}
	if v := firstEnv("QUERYPILOT_ENV", "NODE_ENV"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("QUERYPILOT_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
		cfg.ActiveModel = ""
	}
	if v := os.Getenv("QUERYPILOT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("QUERYPILOT_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("QUERYPILOT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.LLM.APIKey == "" && strings.EqualFold(cfg.LLM.Provider, "gemini") {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("QUERYPILOT_DEFAULT_MODE"); v != "" {
		cfg.Safety.DefaultMode = v
	}
	if v := os.Getenv("QUERYPILOT_HISTORY_DB_TYPE"); v != "" {
		cfg.History.DBType = v
	}
	if v := os.Getenv("QUERYPILOT_HISTORY_DB_PATH"); v != "" {
		cfg.History.DBPath = v
	}
	if v := os.Getenv("QUERYPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Save writes the config to the default path.
func (c *Config) Save() error {
	return c.SaveTo(GetConfigPath())
}

func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
