package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for GridLink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Fleet     FleetConfig     `yaml:"fleet"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Registry  RegistryConfig  `yaml:"registry"`
	Commands  CommandConfig   `yaml:"commands"`
	Sink      SinkConfig      `yaml:"sink"`
	History   HistoryConfig   `yaml:"history"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// FleetConfig identifies the fleet this instance terminates.
type FleetConfig struct {
	ID      string `yaml:"id"`
	GroupID string `yaml:"group_id"`
	NodeID  string `yaml:"node_id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// RegistryConfig contains registration registry settings.
type RegistryConfig struct {
	// ExpirySweepInterval is how often the expiry sweep runs (seconds).
	ExpirySweepInterval int `yaml:"expiry_sweep_interval"`

	// DefaultLifetime is used when a registration omits lifetime (seconds).
	DefaultLifetime int `yaml:"default_lifetime"`

	// HistoryRetention caps the device event history table (rows per endpoint).
	HistoryRetention int `yaml:"history_retention"`
}

// CommandConfig contains command dispatch settings.
type CommandConfig struct {
	// Timeout is how long to wait for a command response (seconds).
	Timeout int `yaml:"timeout"`

	// MaxRetries is how many times an unresponsive command is republished
	// before it is surfaced as failed. 0 disables retries.
	MaxRetries int `yaml:"max_retries"`
}

// SinkConfig contains event sink adapter settings.
type SinkConfig struct {
	// Mode selects delivery: "pull", "push", or "both".
	Mode string `yaml:"mode"`

	// FeedCapacity bounds the pull feed buffer (events).
	FeedCapacity int `yaml:"feed_capacity"`

	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig contains Kafka/Redpanda push settings.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	TopicPrefix  string   `yaml:"topic_prefix"`
	BatchTimeout int      `yaml:"batch_timeout"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

// HistoryConfig contains telemetry history backend settings.
type HistoryConfig struct {
	// Backend selects the time-series store: "victoria" or "influxdb".
	Backend  string         `yaml:"backend"`
	Victoria VictoriaConfig `yaml:"victoria"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
}

// VictoriaConfig contains VictoriaMetrics settings (line protocol over HTTP).
type VictoriaConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// InfluxDBConfig contains InfluxDB v2 connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// SimulatorConfig contains device simulator settings (gridlink-sim).
type SimulatorConfig struct {
	// DeviceCount is the number of breaker sessions to run.
	DeviceCount int `yaml:"device_count"`

	// EndpointPrefix names simulated endpoints: {prefix}-{n}.
	EndpointPrefix string `yaml:"endpoint_prefix"`

	// TelemetryInterval is seconds between data frames per device.
	TelemetryInterval int `yaml:"telemetry_interval"`

	// TickInterval is the session loop tick in milliseconds.
	TickInterval int `yaml:"tick_interval"`

	// Lifetime is the registration lifetime requested (seconds).
	Lifetime int `yaml:"lifetime"`

	// BulkSize is the bulk batcher size threshold (operations).
	BulkSize int `yaml:"bulk_size"`

	// BulkInterval is the bulk batcher age threshold (seconds).
	BulkInterval int `yaml:"bulk_interval"`

	// RegisterTimeout is seconds to wait for a registration acknowledgment.
	RegisterTimeout int `yaml:"register_timeout"`

	// RegisterMaxAttempts bounds registration retries before the session fails.
	RegisterMaxAttempts int `yaml:"register_max_attempts"`
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
// Environment variables follow the pattern: GRIDLINK_SECTION_KEY
// For example: GRIDLINK_DATABASE_PATH, GRIDLINK_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
// Used directly when no config file is supplied.
func Default() *Config {
	return &Config{
		Fleet: FleetConfig{
			ID:      "fleet-001",
			GroupID: "gridlink",
			NodeID:  "core-01",
		},
		Database: DatabaseConfig{
			Path:        "./data/gridlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gridlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/events/stream",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Registry: RegistryConfig{
			ExpirySweepInterval: 10,
			DefaultLifetime:     3600,
			HistoryRetention:    1000,
		},
		Commands: CommandConfig{
			Timeout:    10,
			MaxRetries: 2,
		},
		Sink: SinkConfig{
			Mode:         "pull",
			FeedCapacity: 10000,
			Kafka: KafkaConfig{
				TopicPrefix:  "iot.telemetry",
				BatchTimeout: 1,
				MaxAttempts:  3,
			},
		},
		History: HistoryConfig{
			Backend: "victoria",
			Victoria: VictoriaConfig{
				URL:           "http://localhost:8428",
				BatchSize:     1000,
				FlushInterval: 1,
			},
			InfluxDB: InfluxDBConfig{
				URL:           "http://localhost:8086",
				Bucket:        "telemetry",
				BatchSize:     100,
				FlushInterval: 10,
			},
		},
		Simulator: SimulatorConfig{
			DeviceCount:         3,
			EndpointPrefix:      "breaker",
			TelemetryInterval:   5,
			TickInterval:        250,
			Lifetime:            3600,
			BulkSize:            10,
			BulkInterval:        30,
			RegisterTimeout:     5,
			RegisterMaxAttempts: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRIDLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Fleet
	if v := os.Getenv("GRIDLINK_FLEET_GROUP_ID"); v != "" {
		cfg.Fleet.GroupID = v
	}

	// Database
	if v := os.Getenv("GRIDLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRIDLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRIDLINK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRIDLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRIDLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRIDLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Sink
	if v := os.Getenv("GRIDLINK_SINK_MODE"); v != "" {
		cfg.Sink.Mode = v
	}
	if v := os.Getenv("GRIDLINK_KAFKA_BROKERS"); v != "" {
		cfg.Sink.Kafka.Brokers = strings.Split(v, ",")
	}

	// History
	if v := os.Getenv("GRIDLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.History.InfluxDB.Token = v
	}

	// Simulator
	if v := os.Getenv("GRIDLINK_SIM_DEVICE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Simulator.DeviceCount = n
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Fleet validation
	if c.Fleet.GroupID == "" {
		errs = append(errs, "fleet.group_id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Registry validation
	if c.Registry.ExpirySweepInterval < 1 {
		errs = append(errs, "registry.expiry_sweep_interval must be at least 1 second")
	}
	if c.Registry.DefaultLifetime < 1 {
		errs = append(errs, "registry.default_lifetime must be at least 1 second")
	}

	// Command validation
	if c.Commands.Timeout < 1 {
		errs = append(errs, "commands.timeout must be at least 1 second")
	}
	if c.Commands.MaxRetries < 0 {
		errs = append(errs, "commands.max_retries cannot be negative")
	}

	// Sink validation
	switch c.Sink.Mode {
	case "pull", "push", "both":
	default:
		errs = append(errs, "sink.mode must be pull, push, or both")
	}
	if (c.Sink.Mode == "push" || c.Sink.Mode == "both") && len(c.Sink.Kafka.Brokers) == 0 {
		errs = append(errs, "sink.kafka.brokers is required when sink.mode includes push")
	}

	// History validation
	switch c.History.Backend {
	case "victoria", "influxdb":
	default:
		errs = append(errs, "history.backend must be victoria or influxdb")
	}
	if c.History.Backend == "influxdb" && c.History.InfluxDB.Enabled && c.History.InfluxDB.Token == "" {
		errs = append(errs, "history.influxdb.token is required (set GRIDLINK_INFLUXDB_TOKEN)")
	}

	// Simulator validation
	if c.Simulator.BulkSize < 1 {
		errs = append(errs, "simulator.bulk_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetExpirySweepInterval returns the registry sweep interval as a Duration.
func (c *Config) GetExpirySweepInterval() time.Duration {
	return time.Duration(c.Registry.ExpirySweepInterval) * time.Second
}

// GetCommandTimeout returns the command response timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Commands.Timeout) * time.Second
}

// GetTelemetryInterval returns the simulator telemetry interval as a Duration.
func (c *Config) GetTelemetryInterval() time.Duration {
	return time.Duration(c.Simulator.TelemetryInterval) * time.Second
}

// GetTickInterval returns the simulator session tick as a Duration.
func (c *Config) GetTickInterval() time.Duration {
	return time.Duration(c.Simulator.TickInterval) * time.Millisecond
}

// GetBulkInterval returns the bulk batcher age threshold as a Duration.
func (c *Config) GetBulkInterval() time.Duration {
	return time.Duration(c.Simulator.BulkInterval) * time.Second
}

// GetRegisterTimeout returns the registration acknowledgment timeout as a Duration.
func (c *Config) GetRegisterTimeout() time.Duration {
	return time.Duration(c.Simulator.RegisterTimeout) * time.Second
}

// GetSimulatorLifetime returns the registration lifetime simulated devices request.
func (c *Config) GetSimulatorLifetime() time.Duration {
	return time.Duration(c.Simulator.Lifetime) * time.Second
}
