// Package can bridges MQTT and a CAN bus.
//
// Frames arrive on a raw SocketCAN socket (CAN_RAW) bound to one interface
// such as can0, vcan0 or an slcan device brought up by slcand. Each frame
// is decoded against the active conversion table and published as a JSON
// record; MQTT messages on entry topics are encoded back into frames.
//
// # Architecture
//
//	┌───────────────┐                 ┌──────────────┐                ┌──────────┐
//	│  MQTT broker  │◄─── publish ────│    Bridge    │◄─── frames ────│ SocketCAN│◄── can0
//	│               │──── messages ──►│  (2 queues)  │──── Send ─────►│          │──► can0
//	└───────────────┘                 └──────┬───────┘                └──────────┘
//	                                         │ events
//	                        ┌────────────────┼─────────────────┐
//	                        ▼                ▼                 ▼
//	                    Metrics          Recorder        telemetry / live
//	                  (Prometheus)       (SQLite)          monitor sinks
//
// # Topics
//
//	{entry topic}                ← commands (and {entry topic}/+)
//	{entry topic}/{suffix}       → decoded state, not retained
//	canbridge/health/{bridge_id} → retained health, LWT "offline"
//
// Messages arriving on the bridge's own state topics are ignored. With an
// empty state suffix the bridge subscribes only to command subtopics.
//
// # Ordering and Drops
//
// Uplink and downlink each have one bounded queue and one worker. A full
// queue, an unknown topic or identifier, or a field that fails to encode
// drops that message only; the drop is logged, counted and passed to every
// EventSink.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package can
