// Package websocket streams driver dispatch events to WebSocket clients.
//
// Clients connect to:
//
//	GET /api/events
//
// The first frame tells the client it is subscribed; after that every
// dispatch Event is pushed as it happens:
//
//	{"type":"hello","subscribers":1}
//	{"type":"event","event":{"id":"<ULID>","driver":"default","task_id":7,"status":"done",...}}
//
// Each subscriber has a bounded buffer. When it is full, new events for that
// subscriber are dropped and counted; the driver never waits on a client.
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/deferq/internal/driver"
)

const (
	defaultBuffer = 64
	writeWait     = 5 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// Browsers must connect from the same host; native clients (no Origin
	// header) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Frame is the JSON structure the server sends to clients.
type Frame struct {
	Type        string        `json:"type"` // "hello" | "event"
	Subscribers int           `json:"subscribers,omitempty"`
	Event       *driver.Event `json:"event,omitempty"`
}

type subscriber struct {
	ch chan driver.Event
}

// Hub fans driver events out to connected WebSocket clients.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	buffer int

	dropped atomic.Int64
	done    chan struct{}
	close   sync.Once
}

// NewHub returns a Hub whose subscribers buffer up to buffer events.
// A buffer below 1 uses the default of 64.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

// Publish delivers ev to every subscriber without blocking. It has the
// signature driver.WithObserver expects.
func (h *Hub) Publish(ev driver.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every client and makes new connections close at once.
func (h *Hub) Close() {
	h.close.Do(func() { close(h.done) })
}

func (h *Hub) subscribe() (*subscriber, int) {
	sub := &subscriber{ch: make(chan driver.Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	return sub, n
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams events until the client goes
// away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub, n := h.subscribe()
	defer h.unsubscribe(sub)

	// The read side only exists to notice the client hanging up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeFrame(conn, Frame{Type: "hello", Subscribers: n}); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-h.done:
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case ev := <-sub.ch:
			if err := writeFrame(conn, Frame{Type: "event", Event: &ev}); err != nil {
				slog.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

func writeFrame(conn *gorillaws.Conn, f Frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return fmt.Errorf("websocket: encode frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
