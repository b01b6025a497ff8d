package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	// MeasurementRecord holds one point per translated frame; fields are the
	// record's values.
	MeasurementRecord = "can_record"

	// MeasurementDrop holds one point per dropped translation.
	MeasurementDrop = "can_drop"
)

// Translation is the telemetry view of one successful translation.
type Translation struct {
	// Direction is "uplink" (CAN to MQTT) or "downlink" (MQTT to CAN).
	Direction string
	Topic     string
	FrameID   uint32
	Extended  bool
	Record    map[string]any
	At        time.Time
}

// NewTranslationPoint builds the can_record point for t.
//
// Tags: direction, topic, frame_id (hex). Fields: every record value. An
// empty record is written as a single
// "frame" field so the point is still valid line protocol.
func NewTranslationPoint(t Translation) *write.Point {
	tags := map[string]string{
		"direction": t.Direction,
		"topic":     t.Topic,
		"frame_id":  formatFrameID(t.FrameID, t.Extended),
	}

	fields := make(map[string]any, len(t.Record))
	for name, v := range t.Record {
		fields[name] = v
	}
	if len(fields) == 0 {
		fields["frame"] = true
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementRecord, tags, fields, at)
}

// NewDropPoint builds the can_drop point for a translation that failed.
func NewDropPoint(direction, reason string, at time.Time) *write.Point {
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementDrop,
		map[string]string{
			"direction": direction,
			"reason":    reason,
		},
		map[string]any{"count": int64(1)},
		at,
	)
}

// WriteTranslation records a successful translation. Non-blocking.
func (c *Client) WriteTranslation(t Translation) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(NewTranslationPoint(t))
	c.points.Add(1)
}

// WriteDrop records a dropped translation. Non-blocking.
func (c *Client) WriteDrop(direction, reason string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(NewDropPoint(direction, reason, time.Now()))
	c.points.Add(1)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Example:
//
//	client.WritePoint("bus_load",
//	    map[string]string{"interface": "can0"},
//	    map[string]any{"frames_per_second": 812.0})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
	c.points.Add(1)
}

func formatFrameID(id uint32, extended bool) string {
	if extended {
		return fmt.Sprintf("0x%08X", id)
	}
	return fmt.Sprintf("0x%03X", id)
}
