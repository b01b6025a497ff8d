package api

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/can"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/infrastructure/logging"
)

// Translation event channels.
const (
	ChannelUplink   = "translation.uplink"
	ChannelDownlink = "translation.downlink"
	ChannelDropped  = "translation.dropped"
)

// hubQueueSize bounds events waiting for the hub loop. When the bridge
// outpaces the hub, further events are counted as overflow and discarded.
const hubQueueSize = 1024

type hubEvent struct {
	channel string
	topic   string
	data    []byte
}

// HubStats reports monitor fan-out counters.
type HubStats struct {
	Clients   int    `json:"connected_clients"`
	Delivered uint64 `json:"delivered"`
	Skipped   uint64 `json:"skipped"`
	Overflow  uint64 `json:"overflow"`
}

// Hub fans translation events out to WebSocket clients.
//
// The client set is owned by the Run goroutine; Register, Unregister and
// Broadcast hand work to it over channels and never block the caller for
// long. A slow client misses events rather than stalling the bridge.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	register   chan *WSClient
	unregister chan *WSClient
	events     chan hubEvent
	done       chan struct{}

	clients map[*WSClient]struct{}

	count     atomic.Int64
	delivered atomic.Uint64
	skipped   atomic.Uint64
	overflow  atomic.Uint64
}

// NewHub creates a hub. Nothing is delivered until Run is called.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		events:     make(chan hubEvent, hubQueueSize),
		done:       make(chan struct{}),
		clients:    make(map[*WSClient]struct{}),
	}
}

// Run delivers events until ctx is cancelled, then disconnects every
// client. Call it once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("monitor client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.stop()
				h.count.Store(int64(len(h.clients)))
				h.logger.Debug("monitor client disconnected", "clients", len(h.clients))
			}

		case ev := <-h.events:
			h.deliver(ev)

		case <-ctx.Done():
			for c := range h.clients {
				c.stop()
				delete(h.clients, c)
			}
			h.count.Store(0)
			return
		}
	}
}

func (h *Hub) deliver(ev hubEvent) {
	for c := range h.clients {
		if !c.wants(ev.channel, ev.topic) {
			continue
		}
		if c.enqueue(ev.data) {
			h.delivered.Add(1)
		} else {
			h.skipped.Add(1)
		}
	}
}

// Register adds a client. After Run has returned the client is stopped
// immediately.
func (h *Hub) Register(c *WSClient) {
	select {
	case h.register <- c:
	case <-h.done:
		c.stop()
	}
}

// Unregister removes a client and stops its writer.
func (h *Hub) Unregister(c *WSClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues an event for every client subscribed to channel whose
// topic filters match topic.
func (h *Hub) Broadcast(channel, topic string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding monitor event failed", "channel", channel, "error", err)
		return
	}

	select {
	case h.events <- hubEvent{channel: channel, topic: topic, data: data}:
	default:
		h.overflow.Add(1)
	}
}

// HandleEvent implements can.EventSink. Completed translations go to the
// channel for their direction; drops go to translation.dropped.
func (h *Hub) HandleEvent(ev can.Event) {
	channel := ChannelUplink
	switch {
	case ev.Dropped():
		channel = ChannelDropped
	case ev.Direction == can.Downlink:
		channel = ChannelDownlink
	}
	h.Broadcast(channel, ev.Topic, ev)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Stats returns fan-out counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:   h.ClientCount(),
		Delivered: h.delivered.Load(),
		Skipped:   h.skipped.Load(),
		Overflow:  h.overflow.Load(),
	}
}
