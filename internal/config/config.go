package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Cloud   CloudConfig    `mapstructure:"cloud"`
	Devices []DeviceConfig `mapstructure:"devices"`
	MQTT    MQTTConfig     `mapstructure:"mqtt"`
	API     APIConfig      `mapstructure:"api"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Datadog DatadogConfig  `mapstructure:"datadog"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

// CloudConfig contains the Charge Amps cloud account and endpoint settings.
// Per-device overrides in DeviceConfig take precedence over these values.
type CloudConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Email          string  `mapstructure:"email"`
	Password       string  `mapstructure:"password"`
	APIKey         string  `mapstructure:"api_key"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DeviceConfig describes one charge point to bridge.
type DeviceConfig struct {
	Name  string `mapstructure:"name"`
	ID    string `mapstructure:"id"`    // charge point id as shown in the Charge Amps portal
	Model string `mapstructure:"model"` // halo, aura or dawn

	// Optional account overrides; empty values fall back to cloud.*
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	APIKey   string `mapstructure:"api_key"`

	// Optional poll bound overrides in seconds; 0 keeps the model default
	PollMinSeconds int `mapstructure:"poll_min_seconds"`
	PollMaxSeconds int `mapstructure:"poll_max_seconds"`
}

// PollMin returns the configured minimum poll interval, or 0 when unset.
func (d DeviceConfig) PollMin() time.Duration {
	return time.Duration(d.PollMinSeconds) * time.Second
}

// PollMax returns the configured maximum poll interval, or 0 when unset.
func (d DeviceConfig) PollMax() time.Duration {
	return time.Duration(d.PollMaxSeconds) * time.Second
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"` // e.g., "chargeamps" -> "chargeamps/devices/garage/..."
}

// APIConfig contains local HTTP API settings
type APIConfig struct {
	Port int        `mapstructure:"port"`
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig contains Basic Auth settings for the local API
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables rotated file output in addition to stdout.
type LogFileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DatadogConfig contains Datadog APM settings
type DatadogConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AgentHost   string `mapstructure:"agent_host"`
	AgentPort   int    `mapstructure:"agent_port"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// MetricsConfig toggles the Prometheus endpoint on the local API.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.chargeamps-bridge")
		v.AddConfigPath("/etc/chargeamps-bridge")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		// Missing file is fine; defaults still apply and Validate
		// reports anything required that remains unset.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cloud.base_url", "https://eapi.charge.space/api/v5")
	v.SetDefault("cloud.rate_limit_rps", 2.0)
	v.SetDefault("cloud.rate_limit_burst", 5)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "chargeamps-bridge")
	v.SetDefault("mqtt.topic_prefix", "chargeamps")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("logging.file.compress", true)
	v.SetDefault("datadog.enabled", false)
	v.SetDefault("datadog.agent_host", "localhost")
	v.SetDefault("datadog.agent_port", 8126)
	v.SetDefault("datadog.service_name", "chargeamps-bridge")
	v.SetDefault("datadog.environment", "production")
	v.SetDefault("metrics.enabled", true)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d].name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seen[d.Name] = struct{}{}

		if d.ID == "" {
			return fmt.Errorf("device %s: id is required", d.Name)
		}

		switch strings.ToLower(d.Model) {
		case "halo", "aura", "dawn":
		default:
			return fmt.Errorf("device %s: unknown model %q", d.Name, d.Model)
		}

		if d.PollMinSeconds < 0 || d.PollMaxSeconds < 0 {
			return fmt.Errorf("device %s: poll intervals must not be negative", d.Name)
		}
		if d.PollMaxSeconds > 0 && d.PollMinSeconds > d.PollMaxSeconds {
			return fmt.Errorf("device %s: poll_min_seconds exceeds poll_max_seconds", d.Name)
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	if c.API.Auth.Enabled && (c.API.Auth.Username == "" || c.API.Auth.Password == "") {
		return fmt.Errorf("api.auth.username and api.auth.password are required when auth is enabled")
	}

	return nil
}

// AccountFor resolves the effective cloud credentials for a device,
// applying per-device overrides on top of the account defaults.
func (c *Config) AccountFor(d DeviceConfig) (email, password, apiKey string) {
	email = c.Cloud.Email
	password = c.Cloud.Password
	apiKey = c.Cloud.APIKey

	if d.Email != "" {
		email = d.Email
	}
	if d.Password != "" {
		password = d.Password
	}
	if d.APIKey != "" {
		apiKey = d.APIKey
	}

	return email, password, apiKey
}
