// Package panel serves the browser-based live translation monitor.
//
// The page is a static HTML/JS bundle embedded with go:embed. It opens
// the API's WebSocket at /api/v1/ws, subscribes to the translation.*
// channels and renders each uplink, downlink and dropped translation as a
// table row. The monitor has no state of its own; everything it shows comes
// from the event stream and GET /api/v1/table/.
package panel
