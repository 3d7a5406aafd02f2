package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the BLE bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig `yaml:"broker"`
	Auth      MQTTAuthConfig   `yaml:"auth"`
	QoS       int              `yaml:"qos"`
	BaseTopic string           `yaml:"base_topic"`
	// ReconnectInterval is how long the fleet waits after losing the broker
	// before dialling again, in seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`
	ConnectTimeout    int `yaml:"connect_timeout"`
	PublishTimeout    int `yaml:"publish_timeout"`
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

// String implements fmt.Stringer, redacting the password.
func (a MQTTAuthConfig) String() string {
	password := ""
	if a.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTAuthConfig{Username: %q, Password: %q}", a.Username, password)
}

// BluetoothConfig contains host adapter and scanning settings.
type BluetoothConfig struct {
	// Adapter is the host interface handed to every transport and
	// adapter-restart call, e.g. "hci0".
	Adapter string `yaml:"adapter"`
	// PassiveScan selects passive HCI scanning (listen only, no scan
	// requests). Active scanning obtains scan responses and works on
	// more peripherals; passive is cheaper and undetectable.
	PassiveScan bool `yaml:"passive_scan"`
	// ScanWindow is how long each scan cycle listens, in seconds.
	ScanWindow int `yaml:"scan_window"`
	// ScanPause is the gap between scan cycles, in seconds.
	ScanPause int `yaml:"scan_pause"`
	// EmptyScanLimit is the number of consecutive empty scan cycles that
	// triggers an adapter restart.
	EmptyScanLimit int `yaml:"empty_scan_limit"`
}

// DeviceConfig describes one configured peripheral.
type DeviceConfig struct {
	// Type selects the device implementation, e.g. "presence",
	// "xiaomi_atc", "redmond_kettle".
	Type string `yaml:"type"`
	// Address is the peripheral MAC, colon-hex.
	Address string `yaml:"address"`
	// Name overrides the generated friendly name.
	Name string `yaml:"name"`
	// Key is the pairing/auth key for devices that need one, hex encoded.
	Key string `yaml:"key"`
	// Passive forces advertisement-only operation on devices that
	// support both passive and active modes.
	Passive *bool `yaml:"passive"`
	// ConnectionMode overrides the device default; one of
	// "passive", "active_poll_with_disconnect", "active_keep_connection",
	// "on_demand".
	ConnectionMode string `yaml:"connection_mode"`
	// ReconnectionInterval is the backoff between connection attempts,
	// in seconds. Zero means the device default.
	ReconnectionInterval int `yaml:"reconnection_interval"`
	// ActiveInterval is the pause between poll cycles while connected,
	// in seconds. Zero means the device default.
	ActiveInterval int `yaml:"active_interval"`
	// PassiveInterval is the publish cadence for passive devices,
	// in seconds. Zero means the device default.
	PassiveInterval int `yaml:"passive_interval"`
	// ConnectionFailuresLimit caps consecutive missing-device failures
	// before an adapter restart. Zero means the default (5).
	ConnectionFailuresLimit int `yaml:"connection_failures_limit"`
	// Threshold is device-specific (presence: seconds without an
	// advertisement before the tracker reports away).
	Threshold int `yaml:"threshold"`
}

// DiscoveryConfig contains Home Assistant MQTT discovery settings.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Prefix is the discovery topic namespace, almost always
	// "homeassistant".
	Prefix string `yaml:"prefix"`
	// ConfigPrefix namespaces discovery object ids so multiple BLE
	// bridges do not clash.
	ConfigPrefix string `yaml:"config_prefix"`
}

// JournalConfig contains connection-event journal settings.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	// RetentionDays prunes journal entries older than this many days at
	// startup. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// TelemetryConfig contains InfluxDB telemetry settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
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
// Environment variables follow the pattern: BLEBRIDGE_SECTION_KEY
// For example: BLEBRIDGE_MQTT_HOST, BLEBRIDGE_BLUETOOTH_ADAPTER
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "blebridge",
			},
			QoS:               1,
			BaseTopic:         "blebridge",
			ReconnectInterval: 10,
			ConnectTimeout:    10,
			PublishTimeout:    5,
		},
		Bluetooth: BluetoothConfig{
			Adapter:        "hci0",
			ScanWindow:     3,
			ScanPause:      1,
			EmptyScanLimit: 10,
		},
		Discovery: DiscoveryConfig{
			Enabled:      true,
			Prefix:       "homeassistant",
			ConfigPrefix: "blb_",
		},
		Journal: JournalConfig{
			Path:        "./data/blebridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BLEBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("BLEBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BLEBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("BLEBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BLEBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("BLEBRIDGE_MQTT_BASE_TOPIC"); v != "" {
		cfg.MQTT.BaseTopic = v
	}

	// Bluetooth
	if v := os.Getenv("BLEBRIDGE_BLUETOOTH_ADAPTER"); v != "" {
		cfg.Bluetooth.Adapter = v
	}

	// Journal
	if v := os.Getenv("BLEBRIDGE_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// Telemetry
	if v := os.Getenv("BLEBRIDGE_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
}

// knownConnectionModes are the accepted values for devices[].connection_mode.
var knownConnectionModes = map[string]bool{
	"":                            true,
	"passive":                     true,
	"active_poll_with_disconnect": true,
	"active_keep_connection":      true,
	"on_demand":                   true,
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.BaseTopic == "" {
		errs = append(errs, "mqtt.base_topic is required")
	}
	if strings.ContainsAny(c.MQTT.BaseTopic, "+#") {
		errs = append(errs, "mqtt.base_topic must not contain wildcard characters")
	}

	// Bluetooth validation
	if c.Bluetooth.Adapter == "" {
		errs = append(errs, "bluetooth.adapter is required")
	}
	if c.Bluetooth.ScanWindow < 1 {
		errs = append(errs, "bluetooth.scan_window must be at least 1 second")
	}
	if c.Bluetooth.EmptyScanLimit < 1 {
		errs = append(errs, "bluetooth.empty_scan_limit must be at least 1")
	}

	// Device validation
	seen := make(map[string]bool, len(c.Devices))
	for i, dev := range c.Devices {
		if dev.Type == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].type is required", i))
		}
		if dev.Address == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].address is required", i))
		} else {
			key := strings.ToLower(dev.Address)
			if seen[key] {
				errs = append(errs, fmt.Sprintf("devices[%d].address %q is duplicated", i, dev.Address))
			}
			seen[key] = true
			if !validMAC(dev.Address) {
				errs = append(errs, fmt.Sprintf("devices[%d].address %q is not a colon-hex MAC", i, dev.Address))
			}
		}
		if !knownConnectionModes[strings.ToLower(dev.ConnectionMode)] {
			errs = append(errs, fmt.Sprintf("devices[%d].connection_mode %q is not recognised", i, dev.ConnectionMode))
		}
		if dev.ConnectionFailuresLimit < 0 {
			errs = append(errs, fmt.Sprintf("devices[%d].connection_failures_limit must not be negative", i))
		}
	}

	// Journal validation
	if c.Journal.RetentionDays < 0 {
		errs = append(errs, "journal.retention_days must not be negative")
	}

	// Telemetry validation
	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			errs = append(errs, "telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Token == "" {
			errs = append(errs, "telemetry.token is required when telemetry is enabled (set BLEBRIDGE_TELEMETRY_TOKEN)")
		}
		if c.Telemetry.Org == "" {
			errs = append(errs, "telemetry.org is required when telemetry is enabled")
		}
		if c.Telemetry.Bucket == "" {
			errs = append(errs, "telemetry.bucket is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validMAC reports whether s looks like a 48-bit colon-hex MAC address.
func validMAC(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(p, 16, 8); err != nil {
			return false
		}
	}
	return true
}

// BrokerURL assembles the paho broker URL from the broker settings.
func (c *Config) BrokerURL() string {
	scheme := "tcp"
	if c.MQTT.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTT.Broker.Host, c.MQTT.Broker.Port)
}

// GetConnectTimeout returns the MQTT connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.ConnectTimeout) * time.Second
}

// GetPublishTimeout returns the MQTT publish timeout as a Duration.
func (c *Config) GetPublishTimeout() time.Duration {
	return time.Duration(c.MQTT.PublishTimeout) * time.Second
}

// GetReconnectInterval returns the broker reconnect interval as a Duration.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.MQTT.ReconnectInterval) * time.Second
}
