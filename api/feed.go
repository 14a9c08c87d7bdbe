package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KanavDutta/threatfence/escalation"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = (feedPongWait * 9) / 10
	feedBuffer     = 64
)

// FeedMessage is one frame on the escalation feed.
type FeedMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Feed message types.
const (
	FeedConnected  = "connected"
	FeedEscalation = "escalation"
)

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed broadcasts tier changes to WebSocket subscribers. Slow clients
// miss messages rather than stall the engine.
type Feed struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

// NewFeed creates an empty feed.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
	}
}

// Publish queues ev for every subscriber. It never blocks.
func (f *Feed) Publish(ev escalation.Escalation) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg, err := json.Marshal(FeedMessage{Type: FeedEscalation, Data: data})
	if err != nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// ServeHTTP upgrades the request and streams escalations until the
// client disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("feed_upgrade_failed", "component", "api", "error", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedBuffer)}
	hello, _ := json.Marshal(FeedMessage{Type: FeedConnected})
	c.send <- hello

	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Debug("feed_client_connected", "component", "api", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go f.writePump(c, done)
	f.readPump(c)
	close(done)
}

// readPump discards client frames and returns when the connection drops.
func (f *Feed) readPump(c *feedClient) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(c *feedClient, done <-chan struct{}) {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
