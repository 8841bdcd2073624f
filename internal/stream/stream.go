// Package stream pushes a project's live event feed over WebSocket.
// Each connection subscribes to the in-process event bus and receives the
// events scoped to its project as they happen.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/multitenancy"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // ping interval, must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a frame
	maxMsgSize = 4096             // inbound frames carry no payload of interest
	sendBuffer = 256              // per-client outbound buffer
)

// OriginChecker builds the upgrade origin policy. Development allows every
// origin; production requires the origin to be on the allowlist.
func OriginChecker(dev bool, allowedOrigins []string) func(*http.Request) bool {
	if dev {
		return func(*http.Request) bool { return true }
	}

	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header
			return true
		}
		if allowed[origin] {
			return true
		}
		slog.Warn("Rejected stream connection", "origin", origin)
		return false
	}
}

// Feed upgrades authenticated requests into live event subscriptions.
type Feed struct {
	bus      *events.EventBus
	upgrader websocket.Upgrader
}

// NewFeed creates a feed over the bus.
func NewFeed(bus *events.EventBus, checkOrigin func(*http.Request) bool) *Feed {
	return &Feed{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the connection and streams the project's events until
// the client goes away. The auth middleware has already resolved the
// project.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID, err := multitenancy.GetProjectID(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		feed:      f,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		events:    f.bus.Subscribe(),
		done:      make(chan struct{}),
		projectID: projectID,
	}

	hello, _ := json.Marshal(map[string]string{
		"type":      "stream.connected",
		"projectId": projectID,
	})
	c.send <- hello

	slog.Info("Stream client connected", "project", projectID)

	// One goroutine owns all writes, one owns all reads, one forwards bus
	// events into the write queue.
	go c.writePump()
	go c.readPump()
	go c.forward()
}

type client struct {
	feed      *Feed
	conn      *websocket.Conn
	send      chan []byte
	events    chan *events.CloudEvent
	done      chan struct{}
	once      sync.Once
	projectID string
}

// close tears the connection down exactly once. Unsubscribing closes the
// events channel, which ends the forward goroutine.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.feed.bus.Unsubscribe(c.events)
		c.conn.Close()
		slog.Info("Stream client disconnected", "project", c.projectID)
	})
}

// forward filters bus events down to this client's project and queues them
// for writing. Slow consumers lose events rather than stalling the bus.
func (c *client) forward() {
	for evt := range c.events {
		if evt.ProjectID != c.projectID {
			continue
		}
		payload, err := evt.JSON()
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

// writePump is the only goroutine writing to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
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

			// Drain whatever queued up while we were writing
			n := len(c.send)
			for i := 0; i < n; i++ {
				msg := <-c.send
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump is the only goroutine reading from the connection. The feed is
// one-way; inbound frames only keep the connection alive.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("Stream read error", "error", err)
			}
			return
		}
	}
}
