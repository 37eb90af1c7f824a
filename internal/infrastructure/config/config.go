package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/opcproxy/internal/backend"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/persistence"
)

// Backend types accepted in backend.type.
const (
	BackendOPCUA     = "opcua"
	BackendMQTT      = "mqtt"
	BackendSimulated = "simulated"
)

// Config is the root configuration structure for OPC Proxy.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy"`
	Backend     BackendConfig     `yaml:"backend"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Items       []ItemConfig      `yaml:"items"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Logging     LoggingConfig     `yaml:"logging"`

	// path is the file the configuration was loaded from.
	path string
}

// ProxyConfig contains the TCP listener settings. Durations are in seconds.
type ProxyConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ClientTimeout    int    `yaml:"client_timeout"`
	HandshakeTimeout int    `yaml:"handshake_timeout"`
	ReapInterval     int    `yaml:"reap_interval"`
	SocketTimeout    int    `yaml:"socket_timeout"`
}

// BackendConfig selects and addresses the device backend.
type BackendConfig struct {
	// Type is one of "opcua", "mqtt" or "simulated".
	Type    string `yaml:"type"`
	Server  string `yaml:"server"`
	Host    string `yaml:"host"`
	Channel string `yaml:"channel"`
	Device  string `yaml:"device"`

	// WriteRetries bounds write attempts; RetryDelayMS is the first backoff delay.
	WriteRetries int `yaml:"write_retries"`
	RetryDelayMS int `yaml:"retry_delay_ms"`

	OPCUA OPCUAConfig   `yaml:"opcua"`
	MQTT  GatewayConfig `yaml:"mqtt"`
}

// OPCUAConfig contains OPC UA client settings.
type OPCUAConfig struct {
	Endpoint          string `yaml:"endpoint"`
	Namespace         int    `yaml:"namespace"`
	SecurityMode      string `yaml:"security_mode"`
	SecurityPolicy    string `yaml:"security_policy"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	PublishIntervalMS int    `yaml:"publish_interval_ms"`
}

// GatewayConfig contains settings for the MQTT field gateway backend.
type GatewayConfig struct {
	AckTimeout int `yaml:"ack_timeout"` // seconds
}

// PersistenceConfig controls the item snapshot file.
type PersistenceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to the configuration file name with the .opc extension.
	Path string `yaml:"path"`
}

// ItemConfig is one configured item.
type ItemConfig struct {
	Name        string    `yaml:"name"`
	Type        item.Type `yaml:"type"`
	Description string    `yaml:"description"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the item is part of the served set.
func (i ItemConfig) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// DatabaseConfig contains SQLite settings for the write journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled bool             `yaml:"enabled"`
	Broker  MQTTBrokerConfig `yaml:"broker"`
	Auth    MQTTAuthConfig   `yaml:"auth"`
	QoS     int              `yaml:"qos"`
	// PublishState publishes item changes on opcproxy/item/{name}/state.
	PublishState bool                `yaml:"publish_state"`
	Reconnect    MQTTReconnectConfig `yaml:"reconnect"`
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

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the operator HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
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
}

// WebSocketConfig contains WebSocket change feed settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
// Environment variables follow the pattern: OPCPROXY_SECTION_KEY
// For example: OPCPROXY_PROXY_PORT, OPCPROXY_BACKEND_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Persistence.Path == "" {
		cfg.Persistence.Path = persistence.DefaultPath(path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Host:             "0.0.0.0",
			Port:             9100,
			ClientTimeout:    300,
			HandshakeTimeout: 60,
			ReapInterval:     5,
			SocketTimeout:    30,
		},
		Backend: BackendConfig{
			Type:         BackendOPCUA,
			Host:         "localhost",
			WriteRetries: 3,
			RetryDelayMS: 200,
			MQTT: GatewayConfig{
				AckTimeout: 5,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/opcproxy.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "opcproxy",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: OPCPROXY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Proxy
	if v := os.Getenv("OPCPROXY_PROXY_HOST"); v != "" {
		cfg.Proxy.Host = v
	}
	if v, ok := envInt("OPCPROXY_PROXY_PORT"); ok {
		cfg.Proxy.Port = v
	}
	if v, ok := envInt("OPCPROXY_PROXY_CLIENT_TIMEOUT"); ok {
		cfg.Proxy.ClientTimeout = v
	}

	// Backend
	if v := os.Getenv("OPCPROXY_BACKEND_TYPE"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("OPCPROXY_BACKEND_HOST"); v != "" {
		cfg.Backend.Host = v
	}
	if v := os.Getenv("OPCPROXY_OPCUA_ENDPOINT"); v != "" {
		cfg.Backend.OPCUA.Endpoint = v
	}
	if v := os.Getenv("OPCPROXY_OPCUA_PASSWORD"); v != "" {
		cfg.Backend.OPCUA.Password = v
	}

	// Persistence
	if v := os.Getenv("OPCPROXY_PERSISTENCE_PATH"); v != "" {
		cfg.Persistence.Path = v
	}

	// Database
	if v := os.Getenv("OPCPROXY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("OPCPROXY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("OPCPROXY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("OPCPROXY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("OPCPROXY_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("OPCPROXY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("OPCPROXY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envInt reads an integer environment variable. Malformed values are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Proxy validation
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		errs = append(errs, "proxy.port must be between 1 and 65535")
	}
	if c.Proxy.ClientTimeout <= 0 {
		errs = append(errs, "proxy.client_timeout must be positive")
	}

	// Backend validation
	switch c.Backend.Type {
	case BackendOPCUA, BackendSimulated:
	case BackendMQTT:
		if !c.MQTT.Enabled {
			errs = append(errs, "backend.type mqtt requires mqtt.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type %q must be opcua, mqtt, or simulated", c.Backend.Type))
	}
	if c.Backend.OPCUA.Namespace < 0 || c.Backend.OPCUA.Namespace > 65535 {
		errs = append(errs, "backend.opcua.namespace must be between 0 and 65535")
	}
	if c.Backend.WriteRetries < 1 {
		errs = append(errs, "backend.write_retries must be at least 1")
	}

	// Items validation
	seen := make(map[string]bool, len(c.Items))
	for i, ic := range c.Items {
		def := item.Definition{Name: ic.Name, Type: ic.Type}
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("items[%d]: %v", i, err))
			continue
		}
		if seen[ic.Name] {
			errs = append(errs, fmt.Sprintf("items[%d]: duplicate name %q", i, ic.Name))
		}
		seen[ic.Name] = true
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// EnabledItems returns the definitions of every enabled item, in file order.
func (c *Config) EnabledItems() []item.Definition {
	defs := make([]item.Definition, 0, len(c.Items))
	for _, ic := range c.Items {
		if !ic.IsEnabled() {
			continue
		}
		defs = append(defs, item.Definition{
			Name:        ic.Name,
			Type:        ic.Type,
			Description: ic.Description,
		})
	}
	return defs
}

// BackendSettings returns the addressing every adapter needs for the
// enabled items.
func (c *Config) BackendSettings() backend.Settings {
	return backend.Settings{
		Server:  c.Backend.Server,
		Host:    c.Backend.Host,
		Channel: c.Backend.Channel,
		Device:  c.Backend.Device,
		Items:   c.EnabledItems(),
		Retry: backend.RetryPolicy{
			Attempts: c.Backend.WriteRetries,
			Delay:    time.Duration(c.Backend.RetryDelayMS) * time.Millisecond,
		},
	}
}

// PersistencePath returns the snapshot file path, or "" when persistence is disabled.
func (c *Config) PersistencePath() string {
	if !c.Persistence.Enabled {
		return ""
	}
	return c.Persistence.Path
}

// ListenAddr returns the proxy's host:port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}

// Seconds converts a seconds setting to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return Seconds(c.API.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return Seconds(c.API.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return Seconds(c.API.Timeouts.Idle)
}
