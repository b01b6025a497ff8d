package can

import (
	"github.com/nerrad567/canbridge/internal/infrastructure/influxdb"
)

// TelemetryWriter receives translation points. *influxdb.Client
// implements it.
type TelemetryWriter interface {
	WriteTranslation(t influxdb.Translation)
	WriteDrop(direction, reason string)
}

// Telemetry is an EventSink that forwards translations to a time-series
// database: each decoded or encoded record becomes a can_record point and
// each drop a can_drop point.
type Telemetry struct {
	w TelemetryWriter
}

// NewTelemetry creates a telemetry sink writing to w.
func NewTelemetry(w TelemetryWriter) *Telemetry {
	return &Telemetry{w: w}
}

// HandleEvent implements EventSink.
func (t *Telemetry) HandleEvent(ev Event) {
	if t == nil || t.w == nil {
		return
	}
	if ev.Dropped() {
		t.w.WriteDrop(string(ev.Direction), ev.Reason)
		return
	}
	t.w.WriteTranslation(influxdb.Translation{
		Direction: string(ev.Direction),
		Topic:     ev.Topic,
		FrameID:   ev.FrameID,
		Extended:  ev.Extended,
		Record:    ev.Record,
		At:        ev.At,
	})
}
