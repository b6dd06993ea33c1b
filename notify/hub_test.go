package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/metric"
	"github.com/c360/pilotstreams/unit"
)

func newTestHub(t *testing.T, registry *metric.MetricsRegistry) (*Hub, *httptest.Server) {
	t.Helper()
	hub, err := NewHub(Options{PingInterval: 50 * time.Millisecond}, nil, registry)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	hub.Start(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = hub.Close()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, want int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == want },
		2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_PublishReachesEveryClient(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	hub, srv := newTestHub(t, registry)
	first := dial(t, hub, srv, 1)
	second := dial(t, hub, srv, 2)

	u := unit.NewUnit(unit.Description{Executable: "/bin/true"})
	u.SetState(unit.Executing)
	hub.Publish(u)

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		assert.Equal(t, MessageType, msg.Type)
		assert.Equal(t, u.UID, msg.UID)
		assert.Equal(t, "EXECUTING", msg.State)
		require.NotNil(t, msg.Unit)
		assert.Equal(t, unit.Executing, msg.Unit.State)
		assert.Equal(t, "/bin/true", msg.Unit.Description.Executable)
	}

	assert.Eventually(t, func() bool { return testutil.ToFloat64(hub.metrics.sent) == 2 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(hub.metrics.connected))
}

func TestHub_OrderPerClient(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	conn := dial(t, hub, srv, 1)

	u := unit.NewUnit(unit.Description{Executable: "/bin/true"})
	states := []unit.State{unit.StagingInput, unit.Scheduling, unit.Executing, unit.Done}
	for _, s := range states {
		u.SetState(s)
		hub.Publish(u.Clone())
	}
	for _, s := range states {
		assert.Equal(t, s.String(), readMessage(t, conn).State)
	}
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	hub, srv := newTestHub(t, registry)
	conn := dial(t, hub, srv, 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(hub.metrics.connected))

	// Publishing with nobody listening is a no-op.
	hub.Publish(unit.NewUnit(unit.Description{Executable: "/bin/true"}))
	hub.Publish(nil)
}

func TestHub_SlowClientDropsOldest(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	hub, err := NewHub(Options{}, nil, registry)
	require.NoError(t, err)

	c := &client{send: make(chan []byte, 2), done: make(chan struct{})}
	hub.enqueue(c, []byte("a"))
	hub.enqueue(c, []byte("b"))
	hub.enqueue(c, []byte("c"))

	assert.Equal(t, []byte("b"), <-c.send)
	assert.Equal(t, []byte("c"), <-c.send)
	assert.Equal(t, float64(1), testutil.ToFloat64(hub.metrics.dropped))

	// A closed client never blocks the publisher.
	close(c.done)
	hub.enqueue(c, []byte("d"))
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	conn := dial(t, hub, srv, 1)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_PlainRequestIsRejected(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, hub.Clients())
}

func TestNewHub_DuplicateMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	_, err := NewHub(Options{}, nil, registry)
	require.NoError(t, err)
	_, err = NewHub(Options{}, nil, registry)
	require.Error(t, err)
}
