package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/can"
	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	WebSocket     HubStats           `json:"websocket"`
	MQTT          MQTTMetrics        `json:"mqtt"`
	Bridge        *can.BridgeMetrics `json:"bridge,omitempty"`
	Table         TableMetrics       `json:"table"`
	Database      *DatabaseMetrics   `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics contains MQTT client statistics. Traffic counters are only
// filled in when the client reports them.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
	*mqtt.Stats
}

// mqttCounters is implemented by *mqtt.Client.
type mqttCounters interface {
	Stats() mqtt.Stats
}

// TableMetrics describes the active conversion table.
type TableMetrics struct {
	Source         string    `json:"source"`
	Entries        int       `json:"entries"`
	LoadedAt       time.Time `json:"loaded_at"`
	Reloads        uint64    `json:"reloads"`
	ReloadFailures uint64    `json:"reload_failures"`
	LastError      string    `json:"last_error,omitempty"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.hub != nil {
		metrics.WebSocket = s.hub.Stats()
	}

	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
		if c, ok := s.mqtt.(mqttCounters); ok {
			st := c.Stats()
			metrics.MQTT.Stats = &st
		}
	}

	if s.bridge != nil {
		bm := s.bridge.GetMetrics()
		metrics.Bridge = &bm
	}

	stats := s.tables.Stats()
	metrics.Table = TableMetrics{
		Source:         s.tables.Path(),
		Entries:        stats.Entries,
		Reloads:        stats.Reloads,
		ReloadFailures: stats.ReloadFailures,
		LastError:      stats.LastError,
	}
	if t := s.tables.Current(); t != nil {
		metrics.Table.LoadedAt = t.LoadedAt()
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
