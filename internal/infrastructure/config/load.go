package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "CANBRIDGE_"

// Load reads the YAML file at path over the built-in defaults, applies
// CANBRIDGE_* environment overrides and validates the result.
//
// Parameters:
//   - path: YAML configuration file
//
// Returns:
//   - *Config: validated configuration
//   - error: unreadable file, bad YAML or failed validation
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}

	cfg.Bridge = BridgeConfig{
		ID:             "canbridge-01",
		StateSuffix:    "state",
		QueueSize:      256,
		HealthInterval: 30,
		RecordDrops:    true,
	}
	cfg.CAN = CANConfig{Interface: "can0", Adapter: AdapterSocketCAN, Bitrate: 500000}
	cfg.CAN.Slcan = SlcanConfig{
		Binary:              "/usr/bin/slcand",
		Speed:               6,
		RestartOnFailure:    true,
		RestartDelaySeconds: 5,
		MaxRestartAttempts:  10,
	}
	cfg.Conversion = ConversionConfig{Table: "configs/conversion.json", Watch: true, Tunnel: true}

	cfg.MQTT.Broker = MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "canbridge"}
	cfg.MQTT.QoS = 1
	cfg.MQTT.Reconnect = MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60}

	cfg.Database = DatabaseConfig{Enabled: true, Path: "./data/canbridge.db", WALMode: true, BusyTimeout: 5}
	cfg.InfluxDB = InfluxDBConfig{BatchSize: 100, FlushInterval: 10}

	cfg.API = APIConfig{Enabled: true, Host: "0.0.0.0", Port: 8090}
	cfg.API.Timeouts = APITimeoutConfig{Read: 30, Write: 30, Idle: 60}
	cfg.API.Monitor.Enabled = true
	cfg.WebSocket = WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}

	cfg.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
	return cfg
}

// envOverrides maps CANBRIDGE_<NAME> to the field it sets. Numeric values
// that do not parse are ignored.
var envOverrides = []struct {
	name  string
	apply func(c *Config, v string)
}{
	{"BRIDGE_ID", func(c *Config, v string) { c.Bridge.ID = v }},
	{"CAN_INTERFACE", func(c *Config, v string) { c.CAN.Interface = v }},
	{"CAN_ADAPTER", func(c *Config, v string) { c.CAN.Adapter = v }},
	{"CAN_BITRATE", func(c *Config, v string) { setInt(&c.CAN.Bitrate, v) }},
	{"SLCAN_DEVICE", func(c *Config, v string) { c.CAN.Slcan.Device = v }},
	{"CONVERSION_TABLE", func(c *Config, v string) { c.Conversion.Table = v }},
	{"DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"MQTT_PORT", func(c *Config, v string) { setInt(&c.MQTT.Broker.Port, v) }},
	{"MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"API_HOST", func(c *Config, v string) { c.API.Host = v }},
	{"API_PORT", func(c *Config, v string) { setInt(&c.API.Port, v) }},
	{"INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"LOG_LEVEL", func(c *Config, v string) { c.Logging.Level = v }},
	{"LOG_FORMAT", func(c *Config, v string) { c.Logging.Format = v }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(EnvPrefix + o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
