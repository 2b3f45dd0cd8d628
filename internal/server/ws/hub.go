// Package ws broadcasts a live {channelId, sequenceNumber} event to
// connected clients whenever settle or finalize commits. Purely
// observational: the hub never participates in voucher validation.
// Generalized from a multi-channel subscription fan-out to a single event
// type, and rewired from an in-process signal bus onto a direct go-redis
// pub/sub client so the broadcast survives a multi-process deployment.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// pubSubChannel is the Redis pub/sub channel used to fan a channel
	// update out to every sequencer process's connected websocket clients.
	pubSubChannel = "sequencer:channel_updates"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is a single connected WebSocket reader.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// channelUpdateEvent is the JSON envelope broadcast to clients.
type channelUpdateEvent struct {
	ChannelID      string `json:"channelId"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

// Hub manages connected WebSocket clients and relays channel-update events
// published (by any sequencer process) on the Redis pub/sub channel.
type Hub struct {
	rdb *redis.Client

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a Hub backed by rdb.
func NewHub(rdb *redis.Client, logger *slog.Logger) *Hub {
	return &Hub{
		rdb:        rdb,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
	}
}

// PublishChannelUpdate implements domain.ChannelEventPublisher by
// publishing the event to Redis; Run (on every sequencer process, including
// this one) relays it to connected clients.
func (h *Hub) PublishChannelUpdate(ctx context.Context, channelID string, sequenceNumber uint64) error {
	payload, err := json.Marshal(channelUpdateEvent{ChannelID: channelID, SequenceNumber: sequenceNumber})
	if err != nil {
		return err
	}
	return h.rdb.Publish(ctx, pubSubChannel, payload).Err()
}

// Run subscribes to the Redis pub/sub channel and drives the hub's
// register/unregister/broadcast event loop. It blocks until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribe(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, pubSubChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.logger.Error("ws: subscribe failed", slog.String("error", err.Error()))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.broadcast <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump keeps the connection's read deadline alive and discards any
// client-sent frames; this hub is broadcast-only.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
