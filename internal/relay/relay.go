// Package relay mirrors session events to WebSocket clients and accepts
// speech back from them.
package relay

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatwire/internal/bus"
	"chatwire/internal/metrics"
	"chatwire/internal/transcript"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxInbound = 4096
)

// Speaker is the part of a session the relay drives.
type Speaker interface {
	Say(text string) error
	Private(to, text string) error
	Join(channel string) error
}

// Config configures a Relay.
type Config struct {
	Path   string // endpoint path (default: /ws)
	Token  string // required from clients when set
	Events *bus.EventBus
	Target Speaker // nil makes the relay read-only
	Logger *slog.Logger
}

// Frame is the JSON message exchanged with clients. Outbound frames carry a
// session event kind in Type; inbound frames use "say", "private" or "join".
type Frame struct {
	Type     string    `json:"type"`
	Session  string    `json:"session,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Nickname string    `json:"nickname,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Text     string    `json:"text,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at,omitzero"`
}

// Relay is an http.Handler serving the WebSocket endpoint.
type Relay struct {
	path   string
	token  string
	target Speaker
	logger *slog.Logger

	events    *bus.EventBus
	handlerID string

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.out) })
}

// New creates a Relay and subscribes it to cfg.Events.
func New(cfg Config) *Relay {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Relay{
		path:    cfg.Path,
		token:   cfg.Token,
		target:  cfg.Target,
		logger:  cfg.Logger,
		events:  cfg.Events,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are local tools and dashboards, not browsers on other sites.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.Events != nil {
		r.handlerID = cfg.Events.On(bus.Wildcard, r.broadcastEvent)
	}
	return r
}

// Path returns the endpoint path the relay expects to be mounted on.
func (r *Relay) Path() string { return r.path }

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ServeHTTP upgrades the request and serves one client until it goes away.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, out: make(chan []byte, sendBuffer)}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.clients[c.id] = c
	r.mu.Unlock()
	metrics.RelayClients.Inc()
	r.logger.Info("relay client connected", "client_id", c.id, "remote", req.RemoteAddr)

	r.queue(c, Frame{Type: "status", Text: "connected"})

	done := make(chan struct{})
	go func() {
		r.writeLoop(c)
		close(done)
	}()

	r.readLoop(c)

	r.drop(c)
	<-done
	conn.Close()
	r.logger.Info("relay client disconnected", "client_id", c.id)
}

func (r *Relay) authorized(req *http.Request) bool {
	if r.token == "" {
		return true
	}
	got := req.URL.Query().Get("token")
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) == 1
}

func (r *Relay) readLoop(c *client) {
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("relay read error", "client_id", c.id, "err", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.queue(c, Frame{Type: "error", Text: "invalid frame"})
			continue
		}
		if err := r.handleInbound(f); err != nil {
			r.logger.Debug("relay inbound rejected", "client_id", c.id, "type", f.Type, "err", err)
			r.queue(c, Frame{Type: "error", Text: err.Error()})
		}
	}
}

func (r *Relay) handleInbound(f Frame) error {
	if r.target == nil {
		return fmt.Errorf("relay is read-only")
	}
	switch f.Type {
	case "say":
		if f.Text == "" {
			return fmt.Errorf("say needs text")
		}
		return r.target.Say(f.Text)
	case "private":
		if f.UserID == "" || f.Text == "" {
			return fmt.Errorf("private needs user_id and text")
		}
		return r.target.Private(f.UserID, f.Text)
	case "join":
		if f.Channel == "" {
			return fmt.Errorf("join needs channel")
		}
		return r.target.Join(f.Channel)
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (r *Relay) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.conn.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Debug("relay write failed", "client_id", c.id, "err", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// queue hands f to c's writer, dropping it when the client is too slow.
func (r *Relay) queue(c *client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.clients[c.id]; !ok {
		return
	}
	select {
	case c.out <- data:
	default:
		r.logger.Warn("relay client lagging, frame dropped", "client_id", c.id)
	}
}

func (r *Relay) broadcastEvent(e bus.Event) {
	entry := transcript.EntryFor(e)
	data, err := json.Marshal(Frame{
		Type:     string(entry.Kind),
		Session:  entry.SessionID,
		UserID:   entry.UserID,
		Nickname: entry.Nickname,
		Channel:  entry.Channel,
		Text:     entry.Text,
		Detail:   entry.Detail,
		At:       entry.At,
	})
	if err != nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		select {
		case c.out <- data:
		default:
			r.logger.Warn("relay client lagging, event dropped", "client_id", c.id, "kind", e.Type)
		}
	}
}

func (r *Relay) drop(c *client) {
	r.mu.Lock()
	if _, ok := r.clients[c.id]; ok {
		delete(r.clients, c.id)
		metrics.RelayClients.Dec()
	}
	c.close()
	r.mu.Unlock()
}

// Close unsubscribes from the event bus and disconnects every client.
func (r *Relay) Close() {
	if r.events != nil {
		r.events.Off(bus.Wildcard, r.handlerID)
	}
	r.mu.Lock()
	r.closed = true
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		r.drop(c)
	}
}
