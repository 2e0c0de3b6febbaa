// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Database  DatabaseConfig            `yaml:"database"`
	Cache     CacheConfig               `yaml:"cache"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Collector CollectorConfig           `yaml:"collector"`
	System    SystemConfig              `yaml:"system"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	// AdminMail selects the administrative identity whose exchanges and
	// symbols the daemon collects.
	AdminMail string `yaml:"admin_mail"`
	// SymbolRefreshInterval is the period of the symbol refresh loop, seconds.
	SymbolRefreshInterval int `yaml:"symbol_refresh_interval"`
}

// DatabaseConfig contains the configuration store connection settings
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// CacheConfig contains the cache backend connection settings
type CacheConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// ExchangeConfig contains per-exchange websocket settings. API credentials are
// optional; public-data exchanges leave them empty.
type ExchangeConfig struct {
	WSURL        string `yaml:"ws_url"`
	APIKey       Secret `yaml:"api_key"`
	SecretKey    Secret `yaml:"secret_key"`
	PingInterval int    `yaml:"ping_interval"`
}

// CollectorConfig contains the engine timing settings
type CollectorConfig struct {
	// InitialRefreshDelay is the post-startup delay before the first symbol
	// refresh, seconds.
	InitialRefreshDelay int `yaml:"initial_refresh_delay"`
	// SupervisorInterval is the handler-recreation poll period, seconds.
	SupervisorInterval int `yaml:"supervisor_interval"`
	// HeartbeatInterval is the daemon health-entry update period, seconds.
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	// ReconnectMaxAttempts bounds consecutive reconnection attempts before a
	// handler enters the error state.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
	// ReconnectMaxDelay caps the exponential reconnect backoff, seconds.
	ReconnectMaxDelay int `yaml:"reconnect_max_delay"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment values. Missing
// variables expand to the empty string.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion and applies well-known environment overrides.
func LoadConfig(filename string) (*Config, error) {
	var config Config

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets the well-known environment variables win over file
// values, matching how the daemon is deployed.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ADMIN_MAIL"); v != "" {
		c.App.AdminMail = v
	}
	if v := os.Getenv("TICKER_SYMBOL_REFRESH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.App.SymbolRefreshInterval = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.App.AdminMail == "" {
		c.App.AdminMail = "admin@fullon"
	}
	if c.App.SymbolRefreshInterval == 0 {
		c.App.SymbolRefreshInterval = 300
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 8
	}
	if c.Collector.InitialRefreshDelay == 0 {
		c.Collector.InitialRefreshDelay = 10
	}
	if c.Collector.SupervisorInterval == 0 {
		c.Collector.SupervisorInterval = 10
	}
	if c.Collector.HeartbeatInterval == 0 {
		c.Collector.HeartbeatInterval = 1
	}
	if c.Collector.ReconnectMaxAttempts == 0 {
		c.Collector.ReconnectMaxAttempts = 10
	}
	if c.Collector.ReconnectMaxDelay == 0 {
		c.Collector.ReconnectMaxDelay = 60
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateCollectorConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchanges(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if !strings.Contains(c.App.AdminMail, "@") {
		return ValidationError{
			Field:   "app.admin_mail",
			Value:   c.App.AdminMail,
			Message: "must be an email address",
		}
	}
	if c.App.SymbolRefreshInterval < 1 {
		return ValidationError{
			Field:   "app.symbol_refresh_interval",
			Value:   c.App.SymbolRefreshInterval,
			Message: "must be at least 1 second",
		}
	}
	return nil
}

func (c *Config) validateCollectorConfig() error {
	if c.Collector.ReconnectMaxAttempts < 1 || c.Collector.ReconnectMaxAttempts > 100 {
		return ValidationError{
			Field:   "collector.reconnect_max_attempts",
			Value:   c.Collector.ReconnectMaxAttempts,
			Message: "must be between 1 and 100",
		}
	}
	if c.Collector.ReconnectMaxDelay < 1 || c.Collector.ReconnectMaxDelay > 3600 {
		return ValidationError{
			Field:   "collector.reconnect_max_delay",
			Value:   c.Collector.ReconnectMaxDelay,
			Message: "must be between 1 and 3600 seconds",
		}
	}
	if c.Collector.SupervisorInterval < 1 {
		return ValidationError{
			Field:   "collector.supervisor_interval",
			Value:   c.Collector.SupervisorInterval,
			Message: "must be at least 1 second",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	for name, exchange := range c.Exchanges {
		if exchange.WSURL == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.ws_url", name),
				Message: "websocket URL is required",
			}
		}
		if !strings.HasPrefix(exchange.WSURL, "ws://") && !strings.HasPrefix(exchange.WSURL, "wss://") {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.ws_url", name),
				Value:   exchange.WSURL,
				Message: "must be a ws:// or wss:// URL",
			}
		}
		if exchange.PingInterval < 0 || exchange.PingInterval > 300 {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.ping_interval", name),
				Value:   exchange.PingInterval,
				Message: "must be between 0 and 300 seconds",
			}
		}
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
