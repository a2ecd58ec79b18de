package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/mailflow-ingest/")
	v.AddConfigPath("$HOME/.mailflow-ingest")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("MAILFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// IMAP defaults
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.use_tls", true)
	v.SetDefault("imap.insecure_skip_verify", false)
	v.SetDefault("imap.batch_size", 10)
	v.SetDefault("imap.connect_timeout", "10s")
	v.SetDefault("imap.auth_timeout", "5s")
	v.SetDefault("imap.flag_timeout", "5s")

	// Identity defaults
	v.SetDefault("identity.automated_senders", []string{"robotpos.noreply@robotpos.com"})

	// Storage defaults
	v.SetDefault("storage.dir", "/data/attachments")
	v.SetDefault("storage.base_url", "http://localhost:8085")

	// Database defaults
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.mysql_dsn", "user:password@tcp(localhost:3306)/mailflow?parseTime=true")
	v.SetDefault("database.sqlite_path", "/data/mailflow.db")

	// Flow delivery defaults
	v.SetDefault("flow.base_url", "http://localhost:3000")
	v.SetDefault("flow.api_key", "")
	v.SetDefault("flow.automated_endpoint", "/api/v1/flows/pos")
	v.SetDefault("flow.default_endpoint", "/api/v1/flows/email")
	v.SetDefault("flow.max_in_flight", 2)
	v.SetDefault("flow.max_attempts", 3)
	v.SetDefault("flow.base_delay", "1s")
	v.SetDefault("flow.max_delay", "5s")
	v.SetDefault("flow.timeout", "30s")
	v.SetDefault("flow.attempt_timeout", "10s")

	// Pipeline defaults
	v.SetDefault("pipeline.interval", "90s")
	v.SetDefault("pipeline.stuck_run_timeout", "5m")
	v.SetDefault("pipeline.delivery_lock_ttl", "2m")
	v.SetDefault("pipeline.undelivered_sweep_limit", 25)

	// Trigger defaults
	v.SetDefault("trigger.listen_address", "0.0.0.0:8085")
	v.SetDefault("trigger.auth_token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	return time.ParseDuration(c.GetString(key))
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
