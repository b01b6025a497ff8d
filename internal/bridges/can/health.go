package can

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the part of the MQTT client the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter. Only BridgeID is
// required; without a Publisher nothing is sent.
type HealthReporterConfig struct {
	BridgeID  string
	Version   string
	Interval  time.Duration // default 30s
	Publisher HealthPublisher
	Bus       Connector
	Counters  func() BridgeStatistics
	Table     func() TableStatus
	Logger    Logger
}

// HealthReporter publishes the bridge's retained health message on
// canbridge/health/{bridge_id}: once on start, every Interval, and a final
// "stopping" on shutdown. The broker publishes the "offline" will if the
// bridge vanishes without one.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	running  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewHealthReporter returns a reporter. Nothing is published until
// PublishStarting, PublishNow or Start.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{
		cfg:     cfg,
		started: time.Now(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Topic returns the retained health topic.
func (h *HealthReporter) Topic() string {
	return mqtt.Topics{}.BridgeHealth(h.cfg.BridgeID)
}

// Start publishes on every tick until ctx ends or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(h.stopped)

		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				if err := h.PublishNow(); err != nil && h.cfg.Logger != nil {
					h.cfg.Logger.Error("failed to publish health", "error", err)
				}
			}
		}
	}()
}

// Stop ends periodic reporting and publishes "stopping". Calls after the
// first do nothing.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		if h.running.Load() {
			<-h.stopped
		}
		if err := h.publish(HealthStopping, ""); err != nil && h.cfg.Logger != nil {
			h.cfg.Logger.Warn("failed to publish stopping status", "error", err)
		}
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow evaluates and publishes the current status.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.Status())
}

// Status evaluates the bridge. The CAN link decides between unhealthy and
// the rest. A lost broker or a rejected table reload degrades it.
func (h *HealthReporter) Status() (HealthStatus, string) {
	switch {
	case h.cfg.Bus == nil || !h.cfg.Bus.IsConnected():
		return HealthUnhealthy, "CAN interface down"
	case h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Table != nil {
		if err := h.cfg.Table().LastError; err != "" {
			return HealthDegraded, "conversion table reload failed: " + err
		}
	}
	return HealthHealthy, ""
}

// Message assembles the health message for status.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	var (
		stats    Stats
		counters BridgeStatistics
	)
	if h.cfg.Bus != nil {
		stats = h.cfg.Bus.Stats()
	}
	if h.cfg.Counters != nil {
		counters = h.cfg.Counters()
	}

	msg := NewHealthMessage(h.cfg.BridgeID, h.cfg.Version, status, stats, counters, h.started)
	msg.Reason = reason
	if h.cfg.Table != nil {
		table := h.cfg.Table()
		msg.Table = &table
	}
	return msg
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.Topic(), payload, 1, true)
}
