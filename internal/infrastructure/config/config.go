package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Nodepool Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	MeshView  MeshViewConfig  `yaml:"meshview"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PoolConfig contains the fleet policy the config checker validates against.
type PoolConfig struct {
	// Name identifies this node pool in logs and MQTT client IDs.
	Name string `yaml:"name"`

	// ExpectedTTL is the hop limit every managed node should carry.
	ExpectedTTL int `yaml:"expected_ttl"`

	// ExpectedRegion is the LoRa region code (e.g. "US", "EU_868").
	// Empty disables the region check.
	ExpectedRegion string `yaml:"expected_region"`

	// ExpectedChannels lists channel names that must be present, by index
	// order starting at the first secondary channel.
	ExpectedChannels []string `yaml:"expected_channels"`
}

// DatabaseConfig contains SQLite inventory store settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// TransportConfig contains defaults for node transport sessions.
type TransportConfig struct {
	// ConnectTimeout is the maximum time to wait for a session to open (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// ResponseTimeout is the default per-request wait for acks and admin
	// responses (seconds).
	ResponseTimeout int `yaml:"response_timeout"`

	// SerialPatterns overrides the OS-default glob patterns used when
	// scanning for serial-attached nodes. Empty uses built-in defaults.
	SerialPatterns []string `yaml:"serial_patterns"`
}

// MQTTConfig contains MQTT broker connection settings for the mesh uplink.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	RootTopic string              `yaml:"root_topic"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB telemetry sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MeshViewConfig contains settings for the MeshView community API.
type MeshViewConfig struct {
	BaseURL    string `yaml:"base_url"`
	DaysActive int    `yaml:"days_active"`
	Timeout    int    `yaml:"timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: NODEPOOL_SECTION_KEY
// For example: NODEPOOL_DATABASE_PATH, NODEPOOL_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to pure defaults when the
// file does not exist. CLI commands use this so a config file stays optional.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		applyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Name:        "nodepool",
			ExpectedTTL: 7,
		},
		Database: DatabaseConfig{
			Path:        "./data/nodepool.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Transport: TransportConfig{
			ConnectTimeout:  10,
			ResponseTimeout: 15,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "nodepool-core",
			},
			RootTopic: "msh",
			QoS:       1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		MeshView: MeshViewConfig{
			BaseURL:    "https://meshview.bayme.sh",
			DaysActive: 3,
			Timeout:    30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: NODEPOOL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NODEPOOL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("NODEPOOL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("NODEPOOL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("NODEPOOL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("NODEPOOL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("NODEPOOL_MESHVIEW_URL"); v != "" {
		cfg.MeshView.BaseURL = v
	}

	if v := os.Getenv("NODEPOOL_EXPECTED_TTL"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			cfg.Pool.ExpectedTTL = ttl
		}
	}
	if v := os.Getenv("NODEPOOL_EXPECTED_REGION"); v != "" {
		cfg.Pool.ExpectedRegion = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Pool.Name == "" {
		errs = append(errs, "pool.name is required")
	}
	if c.Pool.ExpectedTTL < 0 || c.Pool.ExpectedTTL > 7 {
		errs = append(errs, "pool.expected_ttl must be between 0 and 7")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Transport.ConnectTimeout <= 0 {
		errs = append(errs, "transport.connect_timeout must be positive")
	}
	if c.Transport.ResponseTimeout <= 0 {
		errs = append(errs, "transport.response_timeout must be positive")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.MeshView.BaseURL == "" {
		errs = append(errs, "meshview.base_url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the transport connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Transport.ConnectTimeout) * time.Second
}

// GetResponseTimeout returns the default per-request response timeout as a Duration.
func (c *Config) GetResponseTimeout() time.Duration {
	return time.Duration(c.Transport.ResponseTimeout) * time.Second
}

// GetMeshViewTimeout returns the MeshView HTTP timeout as a Duration.
func (c *Config) GetMeshViewTimeout() time.Duration {
	return time.Duration(c.MeshView.Timeout) * time.Second
}
