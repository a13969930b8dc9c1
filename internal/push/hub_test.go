package push

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/pushmsg"
)

// dialServer upgrades a single test connection on an httptest server
// and registers it with hub, returning the client-side dialed conn.
func dialServer(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	var connID = "conn-under-test"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, connID, nil, func(string) {}, func(string, bool, string) {}, nil)
		require.NoError(t, err)
		hub.Register(c)
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return client, srv.Close
}

func TestHubBroadcastDeliversToConnection(t *testing.T) {
	bus := events.New()
	hub := NewHub(bus, nil, nil)

	client, closeSrv := dialServer(t, hub)
	defer closeSrv()
	defer client.Close()

	// Drain the initial `connected` envelope.
	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	bus.Publish(events.Event{
		Topic: events.TopicAlertsFired,
		Kind:  "fired",
		Data:  map[string]any{"alert_id": "a-1"},
	})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), string(pushmsg.TypeAlert))
}

func TestHubRelaysActionsRequestedAsActionRequest(t *testing.T) {
	bus := events.New()
	hub := NewHub(bus, nil, nil)

	client, closeSrv := dialServer(t, hub)
	defer closeSrv()
	defer client.Close()

	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	bus.Publish(events.Event{
		Topic: events.TopicActionsRequested,
		Kind:  "requested",
		Data:  map[string]any{"request_id": "req-1"},
	})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), string(pushmsg.TypeActionRequest))
}

func TestHubRelaysActionsCompletedAsActionComplete(t *testing.T) {
	bus := events.New()
	hub := NewHub(bus, nil, nil)

	client, closeSrv := dialServer(t, hub)
	defer closeSrv()
	defer client.Close()

	_, _, err := client.ReadMessage()
	require.NoError(t, err)

	bus.Publish(events.Event{
		Topic: events.TopicActionsCompleted,
		Kind:  "completed",
		Data:  map[string]any{"request_id": "req-1"},
	})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), string(pushmsg.TypeActionComplete))
}

func TestRetagInvestigationUpdatePreservesPhase(t *testing.T) {
	env := pushmsg.New(pushmsg.TypeAssistantMessageDelta, "run-1", map[string]any{"text": "hi"})
	retagged := retagInvestigationUpdate(env)

	require.Equal(t, pushmsg.TypeInvestigationUpdate, retagged.Type)
	require.Contains(t, string(retagged.Data), string(pushmsg.TypeAssistantMessageDelta))
	require.Contains(t, string(retagged.Data), "hi")
}

func TestRetagInvestigationUpdateLeavesErrorUntouched(t *testing.T) {
	env := pushmsg.New(pushmsg.TypeError, "run-1", map[string]any{"message": "boom"})
	retagged := retagInvestigationUpdate(env)

	require.Equal(t, pushmsg.TypeError, retagged.Type)
}

func TestHubUnregisterCancelsOwnedRuns(t *testing.T) {
	bus := events.New()
	cancelled := make(chan string, 1)
	hub := NewHub(bus, nil, func(runID string) { cancelled <- runID })

	hub.mu.Lock()
	hub.conns["conn-1"] = &Connection{id: "conn-1", outbox: make(chan pushmsg.Envelope, 1)}
	hub.sessionRuns["conn-1"] = map[string]bool{}
	hub.mu.Unlock()

	hub.TrackRun("conn-1", "run-1")
	hub.Unregister(nil, "conn-1")

	select {
	case runID := <-cancelled:
		require.Equal(t, "run-1", runID)
	case <-time.After(time.Second):
		t.Fatal("expected owned run to be cancelled on unregister")
	}
	require.Equal(t, 0, hub.ConnectionCount())
}
