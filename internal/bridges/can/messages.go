package can

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/nerrad567/canbridge/internal/conversion"
)

// Direction names one side of the translation.
type Direction string

const (
	// Downlink is MQTT → CAN.
	Downlink Direction = "downlink"

	// Uplink is CAN → MQTT.
	Uplink Direction = "uplink"
)

// Drop reasons reported in events, metrics and the drop log.
const (
	ReasonQueueFull      = "queue_full"
	ReasonMalformedTopic = "malformed_topic"
	ReasonUnknownTopic   = "unknown_topic"
	ReasonUnknownFrameID = "unknown_frame_id"
	ReasonMissingField   = "missing_field"
	ReasonOutOfRange     = "out_of_range"
	ReasonInvalidFormat  = "invalid_format"
	ReasonUnknownSymbol  = "unknown_symbol"
	ReasonFrameOverflow  = "frame_overflow"
	ReasonNotConnected   = "not_connected"
	ReasonSendFailed     = "send_failed"
	ReasonPublishFailed  = "publish_failed"
	ReasonInvalidFrame   = "invalid_frame"
)

// Event describes one translation, completed or dropped.
type Event struct {
	Direction Direction         `json:"direction"`
	Topic     string            `json:"topic,omitempty"`
	FrameID   uint32            `json:"frame_id"`
	Extended  bool              `json:"extended"`

	// HasFrame is false for downlink drops that failed before a frame
	// was built; FrameID is then meaningless.
	HasFrame bool `json:"has_frame"`

	Data      HexBytes          `json:"data,omitempty"` // frame bytes, or the raw payload of a downlink drop
	Record    conversion.Record `json:"record,omitempty"`

	// Partial is set when decoding left out truncated or unmapped fields.
	Partial  bool `json:"partial,omitempty"`
	Tunneled bool `json:"tunneled,omitempty"`

	// Reason is non-empty for dropped translations.
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"`

	Duration time.Duration `json:"-"`
	At       time.Time     `json:"at"`
}

// HexBytes marshals to JSON as an uppercase hex string.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToUpper(hex.EncodeToString(h)))
}

// Dropped reports whether the event is a dropped translation.
func (e Event) Dropped() bool {
	return e.Reason != ""
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the bridge is not operating correctly.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports operational status.
// Topic: canbridge/health/{bridge_id}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Connection contains CAN interface details.
	Connection *ConnectionStatus `json:"connection,omitempty"`

	// Statistics contains operational counters.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Table describes the active conversion table.
	Table *TableStatus `json:"table,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the CAN interface state.
type ConnectionStatus struct {
	// Status is "connected", "disconnected" or "reconnecting".
	Status    string `json:"status"`
	Interface string `json:"interface"`

	// LastActivity is the time of the last frame sent or received.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesSent     uint64 `json:"frames_sent"`
	Uplink         uint64 `json:"uplink"`
	Downlink       uint64 `json:"downlink"`
	Dropped        uint64 `json:"dropped"`
	Errors         uint64 `json:"errors"`
}

// TableStatus describes the conversion table snapshot.
type TableStatus struct {
	Entries        int    `json:"entries"`
	Reloads        uint64 `json:"reloads"`
	ReloadFailures uint64 `json:"reload_failures"`
	LastError      string `json:"last_error,omitempty"`
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats Stats, counters BridgeStatistics, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
	}

	conn := &ConnectionStatus{Status: "disconnected", Interface: stats.Interface}
	switch {
	case stats.Connected:
		conn.Status = "connected"
	case stats.Reconnecting:
		conn.Status = "reconnecting"
	}
	if !stats.LastActivity.IsZero() && stats.LastActivity.Unix() > 0 {
		last := stats.LastActivity.UTC()
		conn.LastActivity = &last
	}
	msg.Connection = conn

	counters.FramesReceived = stats.FramesRx
	counters.FramesSent = stats.FramesTx
	counters.Errors += stats.ErrorsTotal
	msg.Statistics = &counters

	return msg
}

// NewLWTMessage creates the Last Will and Testament health message.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}
