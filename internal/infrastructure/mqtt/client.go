package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the bridge.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are restored in one SUBSCRIBE after every reconnect.
type Client struct {
	client    pahomqtt.Client
	cfg       config.MQTTConfig
	will      *Will
	opTimeout time.Duration

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected atomic.Bool

	// hooks is replaced wholesale on every setter; readers never lock.
	hooks   atomic.Pointer[hooks]
	hooksMu sync.Mutex

	published  atomic.Uint64
	received   atomic.Uint64
	reconnects atomic.Uint64
	lastErr    atomic.Pointer[string]
}

// Logger is the logging interface used by the client.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// hooks holds the replaceable callbacks and logger.
type hooks struct {
	logger       Logger
	onConnect    func()
	onDisconnect func(err error)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// With ordered delivery, handlers run one at a time on paho's router
// goroutine and must not block; hand the message to a queue instead.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// Stats reports client traffic since Connect.
type Stats struct {
	Connected     bool   `json:"connected"`
	Subscriptions int    `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Received      uint64 `json:"received"`
	Reconnects    uint64 `json:"reconnects"`
	LastError     string `json:"last_error,omitempty"`
}

// Connect establishes a connection to the MQTT broker.
//
// Parameters:
//   - cfg: MQTT section of canbridge.yaml
//   - opts: Optional will, logger and timeouts
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrConnectionFailed if the first connection fails within the timeout
func Connect(cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	c := newClient(cfg, opts...)

	po := buildClientOptions(cfg, c.will)
	po.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	po.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.reconnects.Add(1)
		c.warn("MQTT reconnecting", "broker", cfg.Broker.Host)
	})

	c.client = pahomqtt.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; do not wait for it.
	c.connected.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig, opts ...Option) *Client {
	c := &Client{
		cfg:           cfg,
		opTimeout:     defaultOperationTimeout,
		subscriptions: make(map[string]subscription),
	}
	c.hooks.Store(&hooks{})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()

	if fn := c.hooks.Load().onConnect; fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)
	if err != nil {
		c.recordError(err)
	}
	if fn := c.hooks.Load().onDisconnect; fn != nil {
		fn(err)
	}
}

// restoreSubscriptions re-subscribes every tracked filter in a single
// SUBSCRIBE packet. The handlers stay registered with paho across the
// reconnect, so a failure here is logged and retried on the next connect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	if len(c.subscriptions) == 0 {
		c.subMu.RUnlock()
		return
	}
	filters := make(map[string]byte, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		filters[topic] = sub.qos
	}
	c.subMu.RUnlock()

	if err := c.await(c.client.SubscribeMultiple(filters, nil), ErrSubscribeFailed); err != nil {
		c.warn("MQTT resubscribe failed", "filters", len(filters), "error", err)
	}
}

// Close disconnects from the broker. A clean disconnect suppresses the will;
// callers that want an "offline" record publish it before Close.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports whether the broker connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect sets a callback run on the initial connect and every
// reconnect, after subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.updateHooks(func(h *hooks) { h.onConnect = callback })
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.updateHooks(func(h *hooks) { h.onDisconnect = callback })
}

// SetLogger sets a logger for reconnect and handler errors.
func (c *Client) SetLogger(logger Logger) {
	c.updateHooks(func(h *hooks) { h.logger = logger })
}

func (c *Client) updateHooks(edit func(h *hooks)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	next := *c.hooks.Load()
	edit(&next)
	c.hooks.Store(&next)
}

func (c *Client) getLogger() Logger {
	return c.hooks.Load().logger
}

func (c *Client) warn(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, args...)
	}
}

func (c *Client) recordError(err error) {
	s := err.Error()
	c.lastErr.Store(&s)
}

// Stats returns traffic counters and connection state.
func (c *Client) Stats() Stats {
	st := Stats{
		Connected:     c.IsConnected(),
		Subscriptions: c.SubscriptionCount(),
		Published:     c.published.Load(),
		Received:      c.received.Load(),
		Reconnects:    c.reconnects.Load(),
	}
	if p := c.lastErr.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

// Subscriptions returns the tracked filters, sorted.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	out := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		out = append(out, topic)
	}
	c.subMu.RUnlock()
	sort.Strings(out)
	return out
}

// wrapHandler adds panic recovery, error logging and the receive counter.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
