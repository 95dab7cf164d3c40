// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package ws fans domain events out to websocket subscribers. Clients
// subscribe to topics ("task:123", "challenge:7", "user:9", "global");
// publishes are fire-and-forget and never block the publisher.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Hub tracks subscriptions and routes published events.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*client]struct{}
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// NewHub creates the hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*client]struct{}),
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is token-authenticated; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	userID int64

	mu     sync.Mutex
	closed bool
}

// trySend queues the payload without blocking; false means the buffer is full
// or the client is already gone.
func (c *client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// dispose closes the send channel exactly once; writePump then tears the
// connection down.
func (c *client) dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// clientMessage is the subscribe protocol: {"messageType": "subscribe",
// "data": {"topic": "task:123"}}.
type clientMessage struct {
	MessageType string `json:"messageType"`
	Data        struct {
		Topic string `json:"topic"`
	} `json:"data"`
}

// serverMessage is the envelope for everything the hub sends.
type serverMessage struct {
	MessageType string `json:"messageType"`
	Topic       string `json:"meta,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// ServeHTTP upgrades the connection and runs the client pumps. userID may be
// the guest id for unauthenticated listeners.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}),
		userID: userID,
	}
	go c.writePump()
	c.readPump()
}

// Publish sends the event to every subscriber of the topic plus the global
// topic. Subscribers with a full buffer are disconnected rather than slowing
// everyone down.
func (h *Hub) Publish(topic string, event any) {
	payload, err := json.Marshal(serverMessage{
		MessageType: "event",
		Topic:       topic,
		Data:        event,
	})
	if err != nil {
		h.logger.Error("failed to encode event", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0)
	for c := range h.topics[topic] {
		targets = append(targets, c)
	}
	for c := range h.topics["global"] {
		if _, already := c.topics[topic]; !already {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.trySend(payload) {
			h.logger.Warn("dropping slow websocket client", "user", c.userID)
			h.detach(c)
			c.dispose()
		}
	}
}

// SubscriberCount reports the current subscriber count for a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ValidTopic reports whether the topic names a subscribable stream: "global"
// or one of the id-scoped prefixes followed by a numeric id.
func ValidTopic(topic string) bool {
	if topic == "global" {
		return true
	}
	for _, prefix := range []string{"task:", "challenge:", "user:"} {
		id, found := strings.CutPrefix(topic, prefix)
		if !found || id == "" {
			continue
		}
		if _, err := strconv.ParseInt(id, 10, 64); err == nil {
			return true
		}
	}
	return false
}

func (h *Hub) subscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// detach removes the client from every topic.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range c.topics {
		if subs := h.topics[topic]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	c.topics = make(map[string]struct{})
}

func (c *client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.dispose()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply("error", "", "malformed message")
			continue
		}
		switch msg.MessageType {
		case "subscribe":
			if !ValidTopic(msg.Data.Topic) {
				c.reply("error", msg.Data.Topic, "unknown topic")
				continue
			}
			c.hub.subscribe(c, msg.Data.Topic)
			c.reply("subscribed", msg.Data.Topic, nil)
		case "unsubscribe":
			c.hub.unsubscribe(c, msg.Data.Topic)
			c.reply("unsubscribed", msg.Data.Topic, nil)
		case "ping":
			c.reply("pong", "", nil)
		default:
			c.reply("error", "", "unknown message type")
		}
	}
}

func (c *client) reply(messageType, topic string, data any) {
	payload, err := json.Marshal(serverMessage{
		MessageType: messageType, Topic: topic, Data: data,
	})
	if err != nil {
		return
	}
	c.trySend(payload)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
