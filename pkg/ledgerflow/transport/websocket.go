// Package transport exposes the event bus to websocket clients.
//
// Every connected client is a bus sink. A client receives
// {"type":"event","channel":...,"payload":...} for each event on a channel
// it is subscribed to, and controls its subscription set with
//
//	{"type":"subscribe","channels":["network.stats"]}
//	{"type":"unsubscribe","channels":["network.stats"]}
//	{"type":"history","channel":"network.stats","limit":20}
//	{"type":"ping"}
//
// Initial channels may also be given as ?channels=a,b on the upgrade URL.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

// Client message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHistory     = "history"
	TypePing        = "ping"
)

// Server message types, besides event.MessageTypeEvent.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeHistoryReply = "history"
	TypePong         = "pong"
	TypeError        = "error"
)

// ErrClientSlow is returned to the bus when a client's send buffer is full.
// The event is dropped for that client only.
var ErrClientSlow = errors.New("transport: client send buffer full")

// ErrClientClosed is returned to the bus for a client that has disconnected.
var ErrClientClosed = errors.New("transport: client closed")

// Request is a message from a client.
type Request struct {
	Type     string          `json:"type"`
	Channels []event.Channel `json:"channels,omitempty"`
	Channel  event.Channel   `json:"channel,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// Reply is a control message to a client.
type Reply struct {
	Type     string          `json:"type"`
	Channels []event.Channel `json:"channels,omitempty"`
	Events   []event.Event   `json:"events,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Config configures a Server.
type Config struct {
	// WriteTimeout bounds each websocket write.
	// Default: 10s
	WriteTimeout time.Duration

	// SendBuffer is the number of messages queued per client.
	// Default: 256
	SendBuffer int

	// HistoryLimit caps history replies.
	// Default: 100
	HistoryLimit int

	// CheckOrigin validates the upgrade request origin. Nil allows all.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// Server upgrades HTTP requests to websocket clients of a bus.
type Server struct {
	bus      *event.Bus
	upgrader websocket.Upgrader
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer creates a websocket server over bus.
func NewServer(bus *event.Bus, cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "transport")),
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:     conn,
		server:   s,
		channels: make(map[event.Channel]struct{}),
		out:      make(chan any, s.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	accepted := c.subscribe(parseChannels(r.URL.Query().Get("channels")))

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	remove := s.bus.AddSink(c)
	if len(accepted) > 0 {
		c.reply(Reply{Type: TypeSubscribed, Channels: c.subscriptions()})
	}

	go c.writeLoop()
	c.readLoop()

	remove()
	c.close()
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	return nil
}

func parseChannels(raw string) []event.Channel {
	if raw == "" {
		return nil
	}
	var out []event.Channel
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, event.Channel(trimmed))
		}
	}
	return out
}

// client is one websocket connection. All writes go through out so that a
// single goroutine owns the connection writer.
type client struct {
	conn   *websocket.Conn
	server *Server

	mu       sync.RWMutex
	channels map[event.Channel]struct{}

	out       chan any
	done      chan struct{}
	closeOnce sync.Once
}

var _ event.Sink = (*client)(nil)

// Accepts implements event.Sink.
func (c *client) Accepts(ch event.Channel) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[ch]
	return ok
}

// Send implements event.Sink. It never blocks the publisher.
func (c *client) Send(msg event.Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return ErrClientSlow
	}
}

func (c *client) reply(r Reply) {
	select {
	case <-c.done:
	case c.out <- r:
	default:
		c.server.logger.Warn("control reply dropped", slog.String("type", r.Type))
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) subscribe(channels []event.Channel) []event.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var accepted []event.Channel
	for _, ch := range channels {
		if !ch.Valid() {
			continue
		}
		c.channels[ch] = struct{}{}
		accepted = append(accepted, ch)
	}
	return accepted
}

func (c *client) unsubscribe(channels []event.Channel) []event.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []event.Channel
	for _, ch := range channels {
		if _, ok := c.channels[ch]; ok {
			delete(c.channels, ch)
			removed = append(removed, ch)
		}
	}
	return removed
}

// subscriptions returns the client's channels, sorted.
func (c *client) subscriptions() []event.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]event.Channel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(Reply{Type: TypeError, Error: "invalid message"})
			continue
		}

		switch req.Type {
		case TypeSubscribe:
			accepted := c.subscribe(req.Channels)
			if len(accepted) < len(req.Channels) {
				c.reply(Reply{Type: TypeError, Error: "unknown channel ignored"})
			}
			c.reply(Reply{Type: TypeSubscribed, Channels: c.subscriptions()})
		case TypeUnsubscribe:
			c.unsubscribe(req.Channels)
			c.reply(Reply{Type: TypeUnsubscribed, Channels: c.subscriptions()})
		case TypeHistory:
			limit := req.Limit
			if limit <= 0 || limit > c.server.cfg.HistoryLimit {
				limit = c.server.cfg.HistoryLimit
			}
			c.reply(Reply{Type: TypeHistoryReply, Events: c.server.bus.History(req.Channel, limit)})
		case TypePing:
			c.reply(Reply{Type: TypePong})
		default:
			c.reply(Reply{Type: TypeError, Error: "unknown message type: " + req.Type})
		}
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				c.close()
				return
			}
		}
	}
}
