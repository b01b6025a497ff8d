// Package api implements the HTTP API and live translation monitor for
// canbridge.
//
// This package provides:
//   - Health and JSON system metrics endpoints
//   - Conversion table inspection and reload
//   - Dry-run encode and decode against the active table
//   - The frame identifier inventory and drop log kept by the recorder
//   - A WebSocket hub that streams translation events
//   - Prometheus exposition on /metrics
//
// # WebSocket Channels
//
// Clients subscribe to any of:
//
//	translation.uplink    CAN → MQTT records
//	translation.downlink  MQTT → CAN frames
//	translation.dropped   dropped translations with their reason
//
// # Graceful Degradation
//
// Every dependency except the logger and table store is optional. Endpoints
// whose backing component is absent answer 503.
package api
