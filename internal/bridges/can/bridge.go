package can

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/canbridge/internal/conversion"
	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// sendTimeout bounds one frame write to the bus.
	sendTimeout = 2 * time.Second

	// defaultQueueSize bounds each direction's queue when unset.
	defaultQueueSize = 256

	// subscribeQoS is used for entry topic subscriptions.
	subscribeQoS = 1
)

// Bridge translates in both directions between MQTT and the CAN bus using
// the current conversion table:
//   - Downlink: MQTT message on an entry topic → encoded frame on the bus
//   - Uplink: frame from the bus → JSON record on the entry's state topic
//
// Each direction has its own queue and a single worker, so messages in one
// direction are translated one at a time in arrival order. A full queue
// drops the message.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg     BridgeConfig
	mqtt    MQTTClient
	bus     Connector
	tables  TableSource
	health  *HealthReporter
	metrics *Metrics
	sinks   []EventSink

	downlink chan mqttMessage
	uplink   chan Frame

	// Active entry topic subscriptions
	subscribed map[string]bool
	subsMu     sync.Mutex

	// Counters
	downlinkOK      atomic.Uint64
	uplinkOK        atomic.Uint64
	dropped         atomic.Uint64
	lastTranslation atomic.Int64 // Unix nanoseconds

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

type mqttMessage struct {
	topic    string
	payload  []byte
	received time.Time
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// TableSource supplies conversion table snapshots. *conversion.Store
// implements it.
type TableSource interface {
	Current() *conversion.Table
	OnReload(fn func(*conversion.Table))
	Stats() conversion.StoreStats
}

// EventSink receives every translation event, completed or dropped.
// HandleEvent runs on a worker goroutine and should return quickly.
type EventSink interface {
	HandleEvent(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// HandleEvent calls f(ev).
func (f EventSinkFunc) HandleEvent(ev Event) { f(ev) }

// BridgeConfig holds the bridge's own settings.
type BridgeConfig struct {
	// ID names this bridge in health messages.
	ID string

	// Version is reported in health messages.
	Version string

	// StateSuffix is appended to entry topics for uplink publishes.
	// Empty publishes on the entry topic itself.
	StateSuffix string

	// QoS for uplink publishes.
	QoS byte

	// QueueSize bounds each direction's queue.
	// Default: 256.
	QueueSize int

	// Tunnel enables inner-identifier decoding of unknown frames.
	Tunnel bool

	// HealthInterval is the health report period.
	// Default: 30 seconds.
	HealthInterval time.Duration
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the bridge configuration.
	Config BridgeConfig

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Bus is the CAN connection.
	Bus Connector

	// Tables supplies the conversion table.
	Tables TableSource

	// Logger is optional structured logger.
	Logger Logger

	// Metrics is optional; nil records nothing.
	Metrics *Metrics

	// Sinks receive every translation event (recorder, telemetry, live
	// monitor). Optional.
	Sinks []EventSink
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config.ID == "" {
		return nil, fmt.Errorf("bridge id is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("CAN connector is required")
	}
	if opts.Tables == nil || opts.Tables.Current() == nil {
		return nil, fmt.Errorf("conversion table is required")
	}

	cfg := opts.Config
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        cfg,
		mqtt:       opts.MQTTClient,
		bus:        opts.Bus,
		tables:     opts.Tables,
		metrics:    opts.Metrics,
		sinks:      opts.Sinks,
		downlink:   make(chan mqttMessage, cfg.QueueSize),
		uplink:     make(chan Frame, cfg.QueueSize),
		subscribed: make(map[string]bool),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  cfg.ID,
		Version:   cfg.Version,
		Interval:  cfg.HealthInterval,
		Publisher: opts.MQTTClient,
		Bus:       opts.Bus,
		Counters:  b.counters,
		Table:     b.tableStatus,
		Logger:    opts.Logger,
	})

	return b, nil
}

// Start subscribes to every entry topic, attaches to the bus, starts both
// workers and begins health reporting. If subscribing fails the bridge is
// stopped again and cannot be restarted; later calls return the same error.
func (b *Bridge) Start(ctx context.Context) error {
	b.startOnce.Do(func() { b.startErr = b.start(ctx) })
	return b.startErr
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.wg.Add(2)
	go b.downlinkWorker()
	go b.uplinkWorker()

	b.bus.SetOnFrame(b.enqueueFrame)

	table := b.tables.Current()
	if err := b.syncSubscriptions(table); err != nil {
		b.unsubscribeAll()
		b.Stop()
		return fmt.Errorf("subscribe to entry topics: %w", err)
	}
	b.warnStateOverlap(table)
	b.tables.OnReload(b.handleReload)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.ID,
		"entries", table.Len(),
		"state_suffix", b.cfg.StateSuffix,
		"tunnel", b.cfg.Tunnel)
	return nil
}

// Stop gracefully shuts down the bridge. Queued messages are discarded.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.bus.SetOnFrame(nil)
		close(b.done)
		b.ctxCancel()

		b.health.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped",
			"downlink", b.downlinkOK.Load(),
			"uplink", b.uplinkOK.Load(),
			"dropped", b.dropped.Load())
	})
}

// handleReload re-targets subscriptions at a new table snapshot.
func (b *Bridge) handleReload(t *conversion.Table) {
	if err := b.syncSubscriptions(t); err != nil {
		b.logError("resubscribe after table reload", err)
	}
	b.warnStateOverlap(t)
	b.logInfo("conversion table reloaded", "entries", t.Len(), "source", t.Source())
}

// subscriptionTopics lists the MQTT filters the bridge needs for t: each
// entry topic and its command subtopics. With an empty state suffix the
// bridge publishes on the entry topic itself, so only command subtopics
// are subscribed to keep it from re-encoding its own output.
func (b *Bridge) subscriptionTopics(t *conversion.Table) map[string]bool {
	topics := mqtt.Topics{}
	want := make(map[string]bool)
	for _, e := range t.Entries() {
		if b.cfg.StateSuffix != "" {
			want[e.Topic] = true
		}
		want[topics.Command(e.Topic)] = true
	}
	return want
}

// syncSubscriptions subscribes to topics t needs and drops the rest.
// All filters are attempted; the first error is returned.
func (b *Bridge) syncSubscriptions(t *conversion.Table) error {
	want := b.subscriptionTopics(t)

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	var firstErr error
	for topic := range b.subscribed {
		if want[topic] {
			continue
		}
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logError("unsubscribe failed", fmt.Errorf("%s: %w", topic, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(b.subscribed, topic)
	}

	added := 0
	for topic := range want {
		if b.subscribed[topic] {
			continue
		}
		if err := b.mqtt.Subscribe(topic, subscribeQoS, b.handleMQTTMessage); err != nil {
			b.logError("subscribe failed", fmt.Errorf("%s: %w", topic, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.subscribed[topic] = true
		added++
	}

	b.logDebug("subscriptions synced", "active", len(b.subscribed), "added", added)
	return firstErr
}

// unsubscribeAll drops every filter the bridge holds.
func (b *Bridge) unsubscribeAll() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for topic := range b.subscribed {
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logError("unsubscribe failed", fmt.Errorf("%s: %w", topic, err))
		}
		delete(b.subscribed, topic)
	}
}

// Subscriptions returns the active topic filters.
func (b *Bridge) Subscriptions() []string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	out := make([]string, 0, len(b.subscribed))
	for t := range b.subscribed {
		out = append(out, t)
	}
	return out
}

// isOwnState reports whether topic is where the bridge publishes decoded
// frames for an entry of t. An entry whose own topic merely ends in the
// state suffix is still addressable.
func (b *Bridge) isOwnState(t *conversion.Table, topic string) bool {
	entryTopic, ok := mqtt.Topics{}.StateOf(topic, b.cfg.StateSuffix)
	return ok && t.HasTopic(entryTopic)
}

// warnStateOverlap logs entries whose state topic is another entry's
// command topic. Decoded frames for them are never re-encoded, so commands
// on the shadowed topic are ignored.
func (b *Bridge) warnStateOverlap(t *conversion.Table) {
	if b.cfg.StateSuffix == "" {
		return
	}
	for _, e := range t.Entries() {
		state := mqtt.Topics{}.State(e.Topic, b.cfg.StateSuffix)
		if t.HasTopic(state) {
			b.logWarn("entry state topic shadows another entry", "entry", e.Path(), "topic", state)
		}
	}
}

// handleMQTTMessage queues an inbound message for the downlink worker.
// Messages on the bridge's own state topics are ignored.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	if b.isOwnState(b.tables.Current(), topic) {
		return
	}

	msg := mqttMessage{
		topic:    topic,
		payload:  append([]byte(nil), payload...),
		received: time.Now(),
	}

	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.downlink <- msg:
		b.metrics.setQueueDepth(Downlink, len(b.downlink))
	default:
		b.drop(Event{
			Direction: Downlink,
			Topic:     topic,
			Data:      msg.payload,
			Reason:    ReasonQueueFull,
			At:        msg.received,
		})
	}
}

// enqueueFrame queues a received frame for the uplink worker.
func (b *Bridge) enqueueFrame(f Frame) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.uplink <- f:
		b.metrics.setQueueDepth(Uplink, len(b.uplink))
	default:
		b.drop(Event{
			Direction: Uplink,
			FrameID:   f.ID,
			Extended:  f.Extended,
			HasFrame:  true,
			Data:      append([]byte(nil), f.Payload()...),
			Reason:    ReasonQueueFull,
			At:        time.Now(),
		})
	}
}

// downlinkWorker translates queued MQTT messages one at a time.
func (b *Bridge) downlinkWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.downlink:
			b.metrics.setQueueDepth(Downlink, len(b.downlink))
			b.processDownlink(msg)
		}
	}
}

// uplinkWorker translates queued frames one at a time.
func (b *Bridge) uplinkWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case f := <-b.uplink:
			b.metrics.setQueueDepth(Uplink, len(b.uplink))
			b.processUplink(f)
		}
	}
}

// processDownlink encodes one MQTT message and writes it to the bus.
// The table snapshot is read once and used for the whole message.
func (b *Bridge) processDownlink(msg mqttMessage) {
	start := time.Now()
	table := b.tables.Current()

	ev := Event{Direction: Downlink, Topic: msg.topic, At: msg.received}

	encoded, entry, err := table.EncodeMessage(msg.topic, msg.payload)
	if err != nil {
		ev.Data = msg.payload
		if entry != nil {
			ev.Topic = entry.Topic
			ev.FrameID, ev.Extended, ev.HasFrame = entry.FrameID, entry.Extended(), true
		}
		b.fail(ev, err, start)
		return
	}

	frame := FromConversion(encoded)
	ev.Topic = entry.Topic
	ev.FrameID, ev.Extended, ev.HasFrame = frame.ID, frame.Extended, true
	ev.Data = append([]byte(nil), frame.Payload()...)

	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	err = b.bus.Send(ctx, frame)
	cancel()
	if err != nil {
		b.fail(ev, err, start)
		return
	}

	ev.Duration = time.Since(start)
	b.downlinkOK.Add(1)
	b.lastTranslation.Store(time.Now().UnixNano())
	b.logDebug("downlink", "topic", msg.topic, "frame", frame.String())
	b.emit(ev)
}

// processUplink decodes one frame and publishes the record.
func (b *Bridge) processUplink(f Frame) {
	if f.Remote || f.Error {
		b.logDebug("ignoring non-data frame", "frame", f.String(), "remote", f.Remote, "error", f.Error)
		return
	}

	start := time.Now()
	table := b.tables.Current()

	ev := Event{
		Direction: Uplink,
		FrameID:   f.ID,
		Extended:  f.Extended,
		HasFrame:  true,
		Data:      append([]byte(nil), f.Payload()...),
		At:        start,
	}

	var (
		decoded *conversion.Decoded
		err     error
	)
	if b.cfg.Tunnel {
		decoded, err = table.DecodeTunneled(f.ID, f.Payload())
	} else {
		decoded, err = table.Decode(f.ID, f.Payload())
	}
	if err != nil {
		b.fail(ev, err, start)
		return
	}

	ev.Topic = decoded.Topic
	ev.Record = decoded.Record
	ev.Tunneled = decoded.Tunneled
	ev.Partial = decoded.Partial()
	if ev.Partial {
		b.logWarn("partial decode",
			"frame", f.String(),
			"topic", decoded.Topic,
			"truncated", decoded.Truncated,
			"unmapped", decoded.Unmapped)
	}

	payload, err := json.Marshal(decoded.Record)
	if err != nil {
		b.fail(ev, err, start)
		return
	}

	stateTopic := mqtt.Topics{}.State(decoded.Topic, b.cfg.StateSuffix)
	if err := b.mqtt.Publish(stateTopic, payload, b.cfg.QoS, false); err != nil {
		ev.Reason = ReasonPublishFailed
		b.fail(ev, err, start)
		return
	}

	ev.Duration = time.Since(start)
	b.uplinkOK.Add(1)
	b.lastTranslation.Store(time.Now().UnixNano())
	b.logDebug("uplink", "frame", f.String(), "topic", stateTopic)
	b.emit(ev)
}

// fail classifies err, fills in the drop fields of ev and reports it.
func (b *Bridge) fail(ev Event, err error, start time.Time) {
	if ev.Reason == "" {
		ev.Reason = DropReason(err)
	}
	ev.Err = err
	ev.Error = err.Error()
	ev.Duration = time.Since(start)
	b.drop(ev)
}

// drop counts, logs and reports a dropped translation.
func (b *Bridge) drop(ev Event) {
	b.dropped.Add(1)
	if ev.Error == "" && ev.Err != nil {
		ev.Error = ev.Err.Error()
	}
	b.logWarn("translation dropped",
		"direction", ev.Direction,
		"reason", ev.Reason,
		"topic", ev.Topic,
		"frame_id", fmt.Sprintf("0x%X", ev.FrameID),
		"error", ev.Error)
	b.emit(ev)
}

// emit hands ev to metrics and every sink. Sink panics are recovered.
func (b *Bridge) emit(ev Event) {
	b.metrics.observe(ev)
	for _, sink := range b.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logError("event sink panic", fmt.Errorf("%v", r))
				}
			}()
			sink.HandleEvent(ev)
		}()
	}
}

// DropReason maps a translation error to its drop reason label.
func DropReason(err error) string {
	switch {
	case errors.Is(err, conversion.ErrMalformedTopic):
		return ReasonMalformedTopic
	case errors.Is(err, conversion.ErrUnknownTopic):
		return ReasonUnknownTopic
	case errors.Is(err, conversion.ErrUnknownFrameID):
		return ReasonUnknownFrameID
	case errors.Is(err, conversion.ErrMissingField):
		return ReasonMissingField
	case errors.Is(err, conversion.ErrRange):
		return ReasonOutOfRange
	case errors.Is(err, conversion.ErrFormat):
		return ReasonInvalidFormat
	case errors.Is(err, conversion.ErrUnknownSymbol):
		return ReasonUnknownSymbol
	case errors.Is(err, conversion.ErrFrameOverflow):
		return ReasonFrameOverflow
	case errors.Is(err, ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, ErrInvalidFrame):
		return ReasonInvalidFrame
	case errors.Is(err, ErrSendFailed):
		return ReasonSendFailed
	default:
		return "error"
	}
}

// counters reports translation counters for health messages.
func (b *Bridge) counters() BridgeStatistics {
	return BridgeStatistics{
		Uplink:   b.uplinkOK.Load(),
		Downlink: b.downlinkOK.Load(),
		Dropped:  b.dropped.Load(),
	}
}

func (b *Bridge) tableStatus() TableStatus {
	st := b.tables.Stats()
	return TableStatus{
		Entries:        st.Entries,
		Reloads:        st.Reloads,
		ReloadFailures: st.ReloadFailures,
		LastError:      st.LastError,
	}
}

// PublishHealth publishes the current health status at once. Call it after
// an MQTT reconnect: the broker may have published the will in between.
func (b *Bridge) PublishHealth() error {
	return b.health.PublishNow()
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics is a snapshot for the API metrics endpoint.
type BridgeMetrics struct {
	Connected       bool       `json:"connected"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	Interface       string     `json:"interface"`
	FramesTx        uint64     `json:"frames_tx"`
	FramesRx        uint64     `json:"frames_rx"`
	Uplink          uint64     `json:"uplink"`
	Downlink        uint64     `json:"downlink"`
	Dropped         uint64     `json:"dropped"`
	Subscriptions   int        `json:"subscriptions"`
	LastTranslation *time.Time `json:"last_translation,omitempty"`
}

// GetMetrics returns current bridge metrics for the API metrics endpoint.
func (b *Bridge) GetMetrics() BridgeMetrics {
	stats := b.bus.Stats()
	status, reason := b.health.Status()

	b.subsMu.Lock()
	subs := len(b.subscribed)
	b.subsMu.Unlock()

	m := BridgeMetrics{
		Connected:     stats.Connected,
		Status:        string(status),
		Reason:        reason,
		Interface:     stats.Interface,
		FramesTx:      stats.FramesTx,
		FramesRx:      stats.FramesRx,
		Uplink:        b.uplinkOK.Load(),
		Downlink:      b.downlinkOK.Load(),
		Dropped:       b.dropped.Load(),
		Subscriptions: subs,
	}
	if ns := b.lastTranslation.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		m.LastTranslation = &t
	}
	return m
}
