package config

import "time"

// Config is the root of canbridge.yaml.
type Config struct {
	Bridge     BridgeConfig     `yaml:"bridge"`
	CAN        CANConfig        `yaml:"can"`
	Conversion ConversionConfig `yaml:"conversion"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BridgeConfig contains settings for the translation workers.
type BridgeConfig struct {
	// ID names this bridge instance in health topics and the MQTT client ID.
	ID string `yaml:"id"`

	// StateSuffix is appended to an entry topic when publishing decoded
	// frames. Inbound messages on that suffix are ignored so the bridge
	// never re-encodes its own output. Empty publishes on the entry topic.
	StateSuffix string `yaml:"state_suffix"`

	// QueueSize bounds each direction's inbound queue.
	QueueSize int `yaml:"queue_size"`

	// HealthInterval is the health report period in seconds.
	HealthInterval int `yaml:"health_interval"`

	// RecordDrops stores every dropped translation in the database.
	RecordDrops bool `yaml:"record_drops"`
}

// CANConfig contains CAN bus interface settings.
type CANConfig struct {
	// Interface is the SocketCAN network interface (e.g. "can0", "vcan0").
	Interface string `yaml:"interface"`

	// Adapter is "socketcan" for native interfaces or "slcan" for serial
	// adapters attached through slcand.
	Adapter string `yaml:"adapter"`

	// Bitrate is applied when SetupLink is true.
	Bitrate int `yaml:"bitrate"`

	// SetupLink configures and raises the interface at startup.
	SetupLink bool `yaml:"setup_link"`

	// Slcan contains slcand supervision settings (adapter "slcan" only).
	Slcan SlcanConfig `yaml:"slcan"`
}

// SlcanConfig contains settings for managing the slcand daemon.
type SlcanConfig struct {
	// Binary is the path to the slcand executable.
	// Default: "/usr/bin/slcand"
	Binary string `yaml:"binary"`

	// Device is the serial device of the adapter (e.g. "/dev/ttyACM0").
	Device string `yaml:"device"`

	// Speed is the slcan bitrate code passed as -sN (0-8, 6 = 500 kbit/s).
	Speed int `yaml:"speed"`

	// RestartOnFailure enables automatic restart if slcand exits.
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the time to wait before restarting.
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// SerialBaud sets the UART speed (-S). 0 leaves the tty as is.
	SerialBaud int `yaml:"serial_baud"`

	// USBVendorID and USBProductID identify the adapter for usbreset
	// ("ad50", "60c4"). Optional.
	USBVendorID  string `yaml:"usb_vendor_id"`
	USBProductID string `yaml:"usb_product_id"`

	// USBResetOnRetry resets the adapter before each slcand restart.
	USBResetOnRetry bool `yaml:"usb_reset_on_retry"`
}

// ConversionConfig locates the conversion table.
type ConversionConfig struct {
	// Table is the path of the JSON or YAML conversion table.
	Table string `yaml:"table"`

	// Watch reloads the table when the file changes.
	Watch bool `yaml:"watch"`

	// Tunnel enables inner-identifier decoding for unknown frame IDs.
	Tunnel bool `yaml:"tunnel"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
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
	CORS     CORSConfig       `yaml:"cors"`
	Monitor  MonitorConfig    `yaml:"monitor"`
}

// MonitorConfig controls the browser monitor served at the API root.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir serves the page from disk instead of the embedded copy.
	Dir string `yaml:"dir"`
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

// WebSocketConfig contains settings for the live translation monitor.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // stdout, stderr or file
	File   string `yaml:"file"`   // path used when output is "file"
}

// ReadDuration returns the read timeout.
func (t APITimeoutConfig) ReadDuration() time.Duration { return seconds(t.Read) }

// WriteDuration returns the write timeout.
func (t APITimeoutConfig) WriteDuration() time.Duration { return seconds(t.Write) }

// IdleDuration returns the keep-alive idle timeout.
func (t APITimeoutConfig) IdleDuration() time.Duration { return seconds(t.Idle) }

// GetHealthInterval returns the bridge health report period.
func (c *Config) GetHealthInterval() time.Duration {
	return seconds(c.Bridge.HealthInterval)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
