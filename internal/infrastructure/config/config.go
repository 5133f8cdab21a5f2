package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxControllerName is the size of the firmware identity buffer minus its terminator.
const maxControllerName = 8

// Config is the root configuration structure for the fvgateway daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway     GatewayConfig               `yaml:"gateway"`
	Serial      SerialConfig                `yaml:"serial"`
	MQTT        MQTTConfig                  `yaml:"mqtt"`
	Discovery   DiscoveryConfig             `yaml:"discovery"`
	Relay       RelayConfig                 `yaml:"relay"`
	Capture     CaptureConfig               `yaml:"capture"`
	Database    DatabaseConfig              `yaml:"database"`
	InfluxDB    InfluxDBConfig              `yaml:"influxdb"`
	API         APIConfig                   `yaml:"api"`
	Logging     LoggingConfig               `yaml:"logging"`
	Controllers map[string]ControllerConfig `yaml:"controllers"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Manufacturer string        `yaml:"manufacturer"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// SerialConfig describes the shared half-duplex link.
type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`

	// ReadTimeout bounds the wait for one reply line.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ResetTimeout is the silence that ends the drain phase of a full reset.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	RS485 RS485Config `yaml:"rs485"`
}

// RS485Config controls transceiver direction switching.
// Leave disabled when the adapter switches direction itself.
type RS485Config struct {
	Enabled            bool          `yaml:"enabled"`
	DelayRTSBeforeSend time.Duration `yaml:"delay_rts_before_send"`
	DelayRTSAfterSend  time.Duration `yaml:"delay_rts_after_send"`
	RTSHighDuringSend  bool          `yaml:"rts_high_during_send"`
	RTSHighAfterSend   bool          `yaml:"rts_high_after_send"`
	RxDuringTx         bool          `yaml:"rx_during_tx"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keepalive"`
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
}

// DiscoveryConfig contains Home Assistant discovery and topic layout settings.
type DiscoveryConfig struct {
	// Prefix is the Home Assistant discovery prefix.
	Prefix string `yaml:"prefix"`

	// Path is the root of all gateway state/command topics.
	Path string `yaml:"path"`

	// PresenceInterval is the minimum gap between availability announcements.
	PresenceInterval time.Duration `yaml:"presence_interval"`
}

// RelayConfig contains the TCP relay service settings.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// Timeout closes a relay session after this much client silence.
	Timeout time.Duration `yaml:"timeout"`
}

// CaptureConfig controls the binary bus transaction capture.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DatabaseConfig contains SQLite settings for the observation recorder.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// ControllerConfig declares one controller on the bus.
type ControllerConfig struct {
	// EntityPrefix prefixes Home Assistant object ids. Defaults to the
	// lower-cased controller name.
	EntityPrefix string `yaml:"entity_prefix"`

	// Registers lists the register names to track, in poll order.
	Registers []string `yaml:"registers"`

	// Overrides adjusts individual registers.
	Overrides map[string]RegisterOverride `yaml:"overrides"`
}

// RegisterOverride replaces per-kind defaults for one register.
type RegisterOverride struct {
	// PollInterval in seconds. Zero keeps the kind default.
	PollInterval int    `yaml:"poll_interval"`
	Description  string `yaml:"description"`
}

// Load reads path over the built-in defaults, then applies FVGATEWAY_*
// environment overrides (FVGATEWAY_SERIAL_DEVICE, FVGATEWAY_MQTT_HOST, ...)
// and validates the result.
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
	cfg.applyControllerDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:           "fvgateway",
			Name:         "fvgateway",
			Manufacturer: "fvcontroller",
			TickInterval: time.Second,
		},
		Serial: SerialConfig{
			Device:       "/dev/ttyUSB0",
			BaudRate:     9600,
			ReadTimeout:  time.Second,
			ResetTimeout: 100 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fvgateway",
			},
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Discovery: DiscoveryConfig{
			Prefix:           "homeassistant",
			Path:             "fvcontrol",
			PresenceInterval: 60 * time.Second,
		},
		Relay: RelayConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    1576,
			Timeout: 10 * time.Second,
		},
		Capture: CaptureConfig{
			Path: "./data/bus.fvcap",
		},
		Database: DatabaseConfig{
			Path:        "./data/fvgateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "fvgateway",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "localhost",
			Port: 8099,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FVGATEWAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("FVGATEWAY_SERIAL_DEVICE"); v != "" {
		cfg.Serial.Device = v
	}
	if v := os.Getenv("FVGATEWAY_SERIAL_BAUD_RATE"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			cfg.Serial.BaudRate = baud
		}
	}

	// MQTT
	if v := os.Getenv("FVGATEWAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FVGATEWAY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("FVGATEWAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FVGATEWAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Relay
	if v := os.Getenv("FVGATEWAY_RELAY_HOST"); v != "" {
		cfg.Relay.Host = v
	}

	// Database
	if v := os.Getenv("FVGATEWAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("FVGATEWAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("FVGATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// applyControllerDefaults fills in per-controller values derived from the name.
func (c *Config) applyControllerDefaults() {
	for name, ctrl := range c.Controllers {
		if ctrl.EntityPrefix == "" {
			ctrl.EntityPrefix = strings.ToLower(name)
			c.Controllers[name] = ctrl
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}
	if c.Gateway.TickInterval <= 0 {
		errs = append(errs, "gateway.tick_interval must be positive")
	}

	errs = append(errs, c.validateSerial()...)

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.Discovery.Prefix == "" {
		errs = append(errs, "discovery.prefix is required")
	}
	if c.Discovery.Path == "" {
		errs = append(errs, "discovery.path is required")
	}
	if strings.ContainsAny(c.Discovery.Path+c.Discovery.Prefix, "+#") {
		errs = append(errs, "discovery topics must not contain MQTT wildcards")
	}

	if c.Relay.Enabled {
		if c.Relay.Port < 1 || c.Relay.Port > 65535 {
			errs = append(errs, "relay.port must be between 1 and 65535")
		}
		if c.Relay.Timeout <= 0 {
			errs = append(errs, "relay.timeout must be positive")
		}
	}

	if c.Capture.Enabled && c.Capture.Path == "" {
		errs = append(errs, "capture.path is required when capture is enabled")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	errs = append(errs, c.validateControllers()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateSerial() []string {
	var errs []string
	if c.Serial.Device == "" {
		errs = append(errs, "serial.device is required")
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, "serial.baud_rate must be positive")
	}
	if c.Serial.ReadTimeout <= 0 {
		errs = append(errs, "serial.read_timeout must be positive")
	}
	if c.Serial.ResetTimeout <= 0 {
		errs = append(errs, "serial.reset_timeout must be positive")
	}
	return errs
}

func (c *Config) validateControllers() []string {
	var errs []string
	for _, name := range c.ControllerNames() {
		if err := ValidateControllerName(name); err != nil {
			errs = append(errs, fmt.Sprintf("controllers.%s: %v", name, err))
		}
		seen := make(map[string]bool)
		for _, reg := range c.Controllers[name].Registers {
			switch {
			case reg == "" || strings.ContainsAny(reg, " \t\r\n"):
				errs = append(errs, fmt.Sprintf("controllers.%s: invalid register name %q", name, reg))
			case seen[reg]:
				errs = append(errs, fmt.Sprintf("controllers.%s: duplicate register %q", name, reg))
			}
			seen[reg] = true
		}
		for reg, o := range c.Controllers[name].Overrides {
			if o.PollInterval < 0 {
				errs = append(errs, fmt.Sprintf("controllers.%s.overrides.%s: poll_interval must not be negative", name, reg))
			}
		}
	}
	return errs
}

// ValidateControllerName checks a name fits the firmware identity register.
func ValidateControllerName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if len(name) > maxControllerName {
		return fmt.Errorf("name %q longer than %d characters", name, maxControllerName)
	}
	for _, r := range name {
		if r <= ' ' || r > '~' || r == '/' || r == '+' || r == '#' {
			return fmt.Errorf("name %q contains %q", name, r)
		}
	}
	return nil
}

// ControllerNames returns configured controller names in sorted order.
func (c *Config) ControllerNames() []string {
	names := make([]string, 0, len(c.Controllers))
	for name := range c.Controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Durations returns the read, write and idle timeouts.
func (t APITimeoutConfig) Durations() (read, write, idle time.Duration) {
	return time.Duration(t.Read) * time.Second,
		time.Duration(t.Write) * time.Second,
		time.Duration(t.Idle) * time.Second
}
