// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Serve   ServeConfig   `mapstructure:"serve" yaml:"serve"`
	Site    SiteConfig    `mapstructure:"site" yaml:"site"`
	Tasks   []TaskSchema  `mapstructure:"tasks" yaml:"tasks"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser session.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	ScreenshotDir     string         `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// LLMConfig defines the connection to the planning language model.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerMinute throttles outbound planning calls.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// AgentConfig tunes the execution engine.
type AgentConfig struct {
	RetryBudget        int           `mapstructure:"retry_budget" yaml:"retry_budget"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	VerifyPollInterval time.Duration `mapstructure:"verify_poll_interval" yaml:"verify_poll_interval"`
	HistoryWindow      int           `mapstructure:"history_window" yaml:"history_window"`
	FeedbackQueueSize  int           `mapstructure:"feedback_queue_size" yaml:"feedback_queue_size"`
}

// ServeConfig configures the WebSocket front end.
type ServeConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SiteConfig carries optional site credentials. Values are passed to the
// browser verbatim and never echoed into prompts or logs.
type SiteConfig struct {
	Username string `mapstructure:"username" yaml:"-"`
	Password string `mapstructure:"password" yaml:"-"`
}

// TaskSchema declares the information a named task cannot proceed without.
// When an utterance matches Keywords, the planner asks for any RequiredSlots
// the conversation has not filled before it spends a model call.
type TaskSchema struct {
	Name          string   `mapstructure:"name" yaml:"name"`
	Keywords      []string `mapstructure:"keywords" yaml:"keywords"`
	RequiredSlots []string `mapstructure:"required_slots" yaml:"required_slots"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "helmsman")
	v.SetDefault("logger.log_file", "helmsman.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.screenshot_dir", "screenshots")
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})

	// -- LLM --
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.requests_per_minute", 30)

	// -- Agent --
	v.SetDefault("agent.retry_budget", 2)
	v.SetDefault("agent.verify_timeout", "10s")
	v.SetDefault("agent.verify_poll_interval", "250ms")
	v.SetDefault("agent.history_window", 5)
	v.SetDefault("agent.feedback_queue_size", 64)

	// -- Serve --
	v.SetDefault("serve.address", ":8745")
	v.SetDefault("serve.read_timeout", "60s")
	v.SetDefault("serve.write_timeout", "10s")
	v.SetDefault("serve.shutdown_timeout", "5s")

	// -- Tasks --
	v.SetDefault("tasks", []map[string]any{
		{
			"name":           "send_email",
			"keywords":       []string{"email", "mail"},
			"required_slots": []string{"recipient", "subject", "body"},
		},
	})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("llm.api_key", "HELMSMAN_LLM_API_KEY")
	v.BindEnv("site.username", "HELMSMAN_SITE_USERNAME")
	v.BindEnv("site.password", "HELMSMAN_SITE_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load secrets if Unmarshal didn't pick them up.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("HELMSMAN_LLM_API_KEY")
	}
	if cfg.Site.Username == "" {
		cfg.Site.Username = os.Getenv("HELMSMAN_SITE_USERNAME")
	}
	if cfg.Site.Password == "" {
		cfg.Site.Password = os.Getenv("HELMSMAN_SITE_PASSWORD")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.RetryBudget < 0 {
		return fmt.Errorf("agent.retry_budget must not be negative")
	}
	if c.Agent.VerifyTimeout <= 0 {
		return fmt.Errorf("agent.verify_timeout must be a positive duration")
	}
	if c.Agent.VerifyPollInterval <= 0 {
		return fmt.Errorf("agent.verify_poll_interval must be a positive duration")
	}
	if c.Agent.VerifyPollInterval > c.Agent.VerifyTimeout {
		return fmt.Errorf("agent.verify_poll_interval must not exceed agent.verify_timeout")
	}
	if c.Agent.HistoryWindow <= 0 {
		return fmt.Errorf("agent.history_window must be a positive integer")
	}
	if c.Agent.FeedbackQueueSize <= 0 {
		return fmt.Errorf("agent.feedback_queue_size must be a positive integer")
	}
	if c.Browser.NavigationTimeout <= 0 || c.Browser.ActionTimeout <= 0 {
		return fmt.Errorf("browser timeouts must be positive durations")
	}
	if c.LLM.RequestsPerMinute <= 0 {
		return fmt.Errorf("llm.requests_per_minute must be a positive integer")
	}
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if len(t.Keywords) == 0 {
			return fmt.Errorf("task %q: at least one keyword is required", t.Name)
		}
	}
	return nil
}
