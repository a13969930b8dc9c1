package push

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-observability/agentcore/internal/pushmsg"
)

// newRawConnection upgrades a real WebSocket handshake but builds the
// Connection by hand without starting writeLoop/readLoop/heartbeatLoop,
// so Send/Close can be exercised deterministically without a
// concurrent drainer racing the assertions.
func newRawConnection(t *testing.T) (*Connection, *websocket.Conn, func()) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- raw
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	serverRaw := <-connCh
	c := &Connection{
		id:     "conn-test",
		conn:   serverRaw,
		log:    slog.Default(),
		outbox: make(chan pushmsg.Envelope, DefaultQueueDepth),
	}
	return c, client, srv.Close
}

func TestSendEnqueuesWhenRoomAvailable(t *testing.T) {
	c, client, closeSrv := newRawConnection(t)
	defer closeSrv()
	defer client.Close()

	c.Send(pushmsg.New(pushmsg.TypeSystemStatus, "1", map[string]any{}))
	require.Len(t, c.outbox, 1)
}

func TestSendEvictsOldestForCriticalWhenFull(t *testing.T) {
	c, client, closeSrv := newRawConnection(t)
	defer closeSrv()
	defer client.Close()

	c.outbox = make(chan pushmsg.Envelope, 1)
	c.Send(pushmsg.New(pushmsg.TypeSystemStatus, "1", map[string]any{}))
	require.Len(t, c.outbox, 1)

	c.Send(pushmsg.New(pushmsg.TypeAlert, "2", map[string]any{}))

	require.Len(t, c.outbox, 1)
	queued := <-c.outbox
	assert.Equal(t, pushmsg.TypeAlert, queued.Type)
}

func TestSendClosesOnBackpressureForNonCritical(t *testing.T) {
	c, client, closeSrv := newRawConnection(t)
	defer closeSrv()
	defer client.Close()

	c.outbox = make(chan pushmsg.Envelope, 1)
	c.Send(pushmsg.New(pushmsg.TypeSystemStatus, "1", map[string]any{}))
	c.Send(pushmsg.New(pushmsg.TypeSystemStatus, "2", map[string]any{}))

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	assert.True(t, closed)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, client, closeSrv := newRawConnection(t)
	defer closeSrv()
	defer client.Close()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestDispatchPingUpdatesLastPingAndRepliesPong(t *testing.T) {
	c, client, closeSrv := newRawConnection(t)
	defer closeSrv()
	defer client.Close()

	before := c.lastPing
	c.dispatch(pushmsg.New(pushmsg.TypePing, "ping-1", map[string]any{}))

	c.mu.Lock()
	after := c.lastPing
	c.mu.Unlock()
	assert.True(t, after.After(before) || after.Equal(before))

	require.Len(t, c.outbox, 1)
	queued := <-c.outbox
	assert.Equal(t, pushmsg.TypePong, queued.Type)
}
