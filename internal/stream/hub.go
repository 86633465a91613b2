// Package stream pushes newly received public posts to websocket
// subscribers, one stream per tag.
package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + 10*time.Second
	sendBuffer = 16
)

type client struct {
	send chan Event
}

// Hub fans out posts to the subscribers of their tags. It is safe for
// concurrent use.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*client]struct{}
}

// NewHub creates a Hub with no subscribers.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// Streams carry public posts only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*client]struct{}),
	}
}

// Publish sends p to every subscriber of one of its tags. Subscribers that
// cannot keep up miss the event.
func (h *Hub) Publish(p *domain.Post) {
	if len(p.Tags) == 0 {
		return
	}
	ev := NewEvent(p)

	h.mu.Lock()
	defer h.mu.Unlock()

	sent := make(map[*client]struct{})
	for _, tag := range p.Tags {
		for c := range h.subs[tag] {
			if _, ok := sent[c]; ok {
				continue
			}
			sent[c] = struct{}{}
			select {
			case c.send <- ev:
			default:
				h.logger.Warn("dropping event for slow subscriber", "tag", tag, "guid", p.GUID)
			}
		}
	}
}

// Subscribers returns the number of open streams for tag.
func (h *Hub) Subscribers(tag string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[tag])
}

// ServeTag upgrades the request to a websocket and streams events for tag
// until the client goes away.
func (h *Hub) ServeTag(w http.ResponseWriter, r *http.Request, tag string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "tag", tag, "error", err)
		return
	}
	defer conn.Close()

	c := &client{send: make(chan Event, sendBuffer)}
	h.add(tag, c)
	defer h.remove(tag, c)
	h.logger.Info("stream subscriber connected", "tag", tag, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			h.logger.Info("stream subscriber disconnected", "tag", tag, "remote", r.RemoteAddr)
			return
		case ev := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("stream write failed", "tag", tag, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(tag string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[tag] == nil {
		h.subs[tag] = make(map[*client]struct{})
	}
	h.subs[tag][c] = struct{}{}
}

func (h *Hub) remove(tag string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[tag], c)
	if len(h.subs[tag]) == 0 {
		delete(h.subs, tag)
	}
}
