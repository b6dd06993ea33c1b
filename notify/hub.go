// Package notify forwards unit state changes to websocket clients.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/metric"
	"github.com/c360/pilotstreams/unit"
)

// MessageType of every notification a hub sends
const MessageType = "state"

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	readTimeout         = 60 * time.Second
)

// Message is the JSON envelope written to clients
type Message struct {
	Type      string     `json:"type"`
	UID       string     `json:"uid"`
	State     string     `json:"state"`
	Timestamp int64      `json:"timestamp"`
	Unit      *unit.Unit `json:"unit"`
}

// Options configure a Hub
type Options struct {
	// SendBuffer is the number of messages queued per client before the
	// oldest are dropped.
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

type hubMetrics struct {
	connected prometheus.Gauge
	sent      prometheus.Counter
	dropped   prometheus.Counter
}

type client struct {
	conn        *websocket.Conn
	connectedAt time.Time
	send        chan []byte
	writeMutex  sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
	done        chan struct{}
}

// Hub is an http.Handler that upgrades requests to websocket connections
// and writes every published unit to each of them.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *hubMetrics

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a hub. registry may be nil.
func NewHub(opts Options, logger *slog.Logger, registry *metric.MetricsRegistry) (*Hub, error) {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		opts:   opts,
		logger: logger.With("component", "notify"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		clients:  make(map[*websocket.Conn]*client),
		shutdown: make(chan struct{}),
	}
	if registry != nil {
		m, err := newHubMetrics(registry)
		if err != nil {
			return nil, err
		}
		h.metrics = m
	}
	return h, nil
}

func newHubMetrics(registry *metric.MetricsRegistry) (*hubMetrics, error) {
	m := &hubMetrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pilot",
			Subsystem: "notify",
			Name:      "clients_connected",
			Help:      "Websocket clients currently connected",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilot",
			Subsystem: "notify",
			Name:      "messages_sent_total",
			Help:      "State notifications written to clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pilot",
			Subsystem: "notify",
			Name:      "messages_dropped_total",
			Help:      "State notifications dropped for slow clients",
		}),
	}
	if err := registry.RegisterGauge("notify", "clients_connected", m.connected); err != nil {
		return nil, errors.Wrap(err, "Hub", "NewHub", "register metrics")
	}
	if err := registry.RegisterCounter("notify", "messages_sent_total", m.sent); err != nil {
		return nil, errors.Wrap(err, "Hub", "NewHub", "register metrics")
	}
	if err := registry.RegisterCounter("notify", "messages_dropped_total", m.dropped); err != nil {
		return nil, errors.Wrap(err, "Hub", "NewHub", "register metrics")
	}
	return m, nil
}

// Start runs client maintenance until ctx is done or the hub is closed
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.maintainClients(ctx)
}

// ServeHTTP upgrades the request and registers the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:        conn,
		connectedAt: time.Now(),
		send:        make(chan []byte, h.opts.SendBuffer),
		done:        make(chan struct{}),
	}

	h.clientsMu.Lock()
	h.clients[conn] = c
	count := len(h.clients)
	h.clientsMu.Unlock()
	if h.metrics != nil {
		h.metrics.connected.Set(float64(count))
	}
	h.logger.Debug("client connected", "remote", r.RemoteAddr, "clients", count)

	h.wg.Add(2)
	go h.readClient(c)
	go h.writeClient(c)
}

// Publish queues u for every connected client. A client whose buffer is
// full loses its oldest pending message.
func (h *Hub) Publish(u *unit.Unit) {
	if u == nil {
		return
	}
	data, err := json.Marshal(Message{
		Type:      MessageType,
		UID:       u.UID,
		State:     u.State.String(),
		Timestamp: time.Now().UnixMilli(),
		Unit:      u,
	})
	if err != nil {
		h.logger.Warn("cannot encode notification", "uid", u.UID, "error", err)
		return
	}

	for _, c := range h.snapshot() {
		h.enqueue(c, data)
	}
}

func (h *Hub) enqueue(c *client, data []byte) {
	for {
		select {
		case <-c.done:
			return
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
			if h.metrics != nil {
				h.metrics.dropped.Inc()
			}
		default:
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.shutdown)
		for _, c := range h.snapshot() {
			h.writeControl(c, websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			h.removeClient(c)
		}
	})
	h.wg.Wait()
	return nil
}

func (h *Hub) snapshot() []*client {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

// readClient drains client frames so control messages are processed. The
// hub takes no commands; anything but a read error is ignored.
func (h *Hub) readClient(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeClient(c *client) {
	defer h.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := h.write(c, websocket.TextMessage, data); err != nil {
				h.removeClient(c)
				return
			}
			if h.metrics != nil {
				h.metrics.sent.Inc()
			}
		}
	}
}

func (h *Hub) write(c *client, kind int, data []byte) error {
	// gorilla/websocket allows one concurrent writer per connection.
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	return c.conn.WriteMessage(kind, data)
}

func (h *Hub) writeControl(c *client, kind int, data []byte) {
	_ = c.conn.WriteControl(kind, data, time.Now().Add(h.opts.WriteTimeout))
}

func (h *Hub) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		h.clientsMu.Lock()
		delete(h.clients, c.conn)
		count := len(h.clients)
		h.clientsMu.Unlock()
		if h.metrics != nil {
			h.metrics.connected.Set(float64(count))
		}
		h.logger.Debug("client disconnected",
			"connected_for", time.Since(c.connectedAt), "clients", count)

		_ = c.conn.Close()
	})
}

func (h *Hub) maintainClients(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			for _, c := range h.snapshot() {
				if err := c.conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(h.opts.WriteTimeout)); err != nil {
					h.removeClient(c)
				}
			}
		}
	}
}
