package config

import (
	"errors"
	"fmt"
	"strings"
)

// Adapters accepted in can.adapter.
const (
	AdapterSocketCAN = "socketcan"
	AdapterSlcan     = "slcan"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// problems collects validation failures in order.
type problems []string

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Sprintf(format, args...))
	}
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var p problems

	p.check(c.Bridge.ID != "", "bridge.id is required")
	p.check(!strings.ContainsAny(c.Bridge.StateSuffix, "/+#"), "bridge.state_suffix must be a single topic segment")
	p.check(c.Bridge.QueueSize >= 1, "bridge.queue_size must be at least 1")
	p.check(c.Bridge.HealthInterval >= 1, "bridge.health_interval must be at least 1 second")

	p.check(c.CAN.Interface != "", "can.interface is required")
	switch c.CAN.Adapter {
	case AdapterSocketCAN:
	case AdapterSlcan:
		p.check(c.CAN.Slcan.Device != "", "can.slcan.device is required for the slcan adapter")
		p.check(c.CAN.Slcan.Speed >= 0 && c.CAN.Slcan.Speed <= 8, "can.slcan.speed must be between 0 and 8")
	default:
		p.check(false, "can.adapter must be %s or %s", AdapterSocketCAN, AdapterSlcan)
	}
	p.check(!c.CAN.SetupLink || c.CAN.Bitrate > 0, "can.bitrate must be positive when can.setup_link is set")

	p.check(c.Conversion.Table != "", "conversion.table is required")
	p.check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	p.check(!c.Database.Enabled || c.Database.Path != "", "database.path is required")
	p.check(!c.InfluxDB.Enabled || (c.InfluxDB.URL != "" && c.InfluxDB.Bucket != ""),
		"influxdb.url and influxdb.bucket are required when influxdb is enabled")
	p.check(!c.API.Enabled || (c.API.Port >= 1 && c.API.Port <= 65535), "api.port must be between 1 and 65535")
	p.check(c.Logging.Output != "file" || c.Logging.File != "", "logging.file is required when logging.output is file")

	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(p, "; "))
}
