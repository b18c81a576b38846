package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/today/backend/internal/models"
	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDispatcher_Handle(t *testing.T) {
	tests := []struct {
		name    string
		owner   string
		payload string
		want    bool
	}{
		{"own update", "u1", `{"event":"UPDATE","table":"tasks","id":"t1","user_id":"u1"}`, true},
		{"own insert lowercase", "u1", `{"event":"insert","table":"time_entries","id":"e1","user_id":"u1"}`, true},
		{"delete without owner", "u1", `{"event":"DELETE","table":"tasks","id":"t1"}`, true},
		{"other owner", "u1", `{"event":"UPDATE","table":"tasks","id":"t1","user_id":"u2"}`, false},
		{"unknown table", "u1", `{"event":"UPDATE","table":"notes","id":"n1","user_id":"u1"}`, false},
		{"unknown event", "u1", `{"event":"TRUNCATE","table":"tasks","user_id":"u1"}`, false},
		{"malformed", "u1", `{"event":`, false},
		{"anonymous session", "", `{"event":"UPDATE","table":"tasks","id":"t1","user_id":"u1"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fired int
			d := NewDispatcher(tt.owner, func() { fired++ })

			assert.Equal(t, tt.want, d.Handle([]byte(tt.payload)))
			assert.Equal(t, int64(1), d.Received())
			if tt.want {
				assert.Equal(t, 1, fired)
				assert.Equal(t, int64(1), d.Relevant())
			} else {
				assert.Zero(t, fired)
			}
		})
	}
}

// TestSubscriber_ReconnectsAndDispatches verifies a dropped feed is redialled
// and messages from both connections reach the handler.
func TestSubscriber_ReconnectsAndDispatches(t *testing.T) {
	testUpgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := conns.Add(1)
		msg := fmt.Sprintf(`{"event":"UPDATE","table":"tasks","id":"t%d","user_id":"u1"}`, n)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var (
		mu  sync.Mutex
		ids []string
	)
	d := NewDispatcher("u1", func() {})
	sub := NewSubscriber(SubscriberConfig{
		URL:        wsURL(srv),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, func(payload []byte) {
		var c Change
		if json.Unmarshal(payload, &c) == nil {
			mu.Lock()
			ids = append(ids, c.ID)
			mu.Unlock()
		}
		d.Handle(payload)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 2
	}, waitFor, tick)
	require.Eventually(t, sub.Connected, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []string{"t1", "t2"}, ids)
	mu.Unlock()
	assert.GreaterOrEqual(t, sub.Dials(), int64(2))
	assert.Equal(t, int64(2), d.Relevant())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("subscriber did not stop")
	}
	assert.False(t, sub.Connected())
}

// TestSubscriber_StopsWhileBackingOff verifies cancellation interrupts the reconnect wait.
func TestSubscriber_StopsWhileBackingOff(t *testing.T) {
	sub := NewSubscriber(SubscriberConfig{
		URL:        "ws://127.0.0.1:1/feed",
		MinBackoff: time.Hour,
	}, func([]byte) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.Dials() == 1 }, waitFor, tick)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("subscriber did not stop")
	}
}

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		srv.Close()
	})

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitFor, tick)
	return hub, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// TestHub_BroadcastsSyncEvents verifies engine events reach UI clients.
func TestHub_BroadcastsSyncEvents(t *testing.T) {
	hub, conn := startHub(t)

	hub.Notify(syncpkg.SyncEvent{
		Type:     syncpkg.EventRemoteUpdate,
		Entity:   models.EntityTasks,
		EntityID: "t1",
		Message:  "updated from another device",
		At:       time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC),
	})

	msg := readEnvelope(t, conn)
	assert.Equal(t, "sync.remote_update", msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "t1", data["entity_id"])
	assert.Equal(t, "tasks", data["entity"])
	assert.Equal(t, "updated from another device", data["message"])
}

// TestHub_Subscriptions verifies a client only receives the event types it subscribed to.
func TestHub_Subscriptions(t *testing.T) {
	hub, conn := startHub(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{"sync.dropped"},
	}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.Notify(syncpkg.SyncEvent{Type: syncpkg.EventCycleComplete})
	hub.Notify(syncpkg.SyncEvent{Type: syncpkg.EventDropped, EntityID: "e1"})

	msg := readEnvelope(t, conn)
	assert.Equal(t, "sync.dropped", msg["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	assert.Equal(t, "pong", readEnvelope(t, conn)["action"])
}

// TestHub_ClientDisconnect verifies closed clients are unregistered.
func TestHub_ClientDisconnect(t *testing.T) {
	hub, conn := startHub(t)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, waitFor, tick)
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example.com", false},
		{"http://192.168.1.20", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, localOrigin(r))
		})
	}
}
