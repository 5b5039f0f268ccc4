package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestServer(hub *Hub, userID string, deviceIDs []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := hub.Upgrade(w, r, userID, deviceIDs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestPublish_DeliversToUserRoom(t *testing.T) {
	hub := NewHub(testLogger())
	srv := newTestServer(hub, "user-1", nil)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	hub.PublishToUser("user-1", model.Event{Kind: model.EventPermissionsChanged, ChangedCapabilities: []model.Capability{model.CapDeviceControl}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventPermissionsChanged, ev.Kind)
}

func TestPublish_DeliversToDeviceRoom(t *testing.T) {
	hub := NewHub(testLogger())
	srv := newTestServer(hub, "user-1", []string{"dev-1"})
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	hub.Publish(DeviceRoom("dev-1"), model.Event{Kind: model.EventStateChanged, DeviceID: "dev-1", SessionSequence: 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "dev-1", ev.DeviceID)
	assert.Equal(t, int64(3), ev.SessionSequence)
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	hub := NewHub(testLogger())
	assert.NotPanics(t, func() {
		hub.Publish(DeviceRoom("ghost"), model.Event{Kind: model.EventStateChanged})
	})
}

func TestPublish_DisconnectsSubscriberOnQueueOverflow(t *testing.T) {
	hub := NewHub(testLogger())

	// Constructed directly (no pumps started, no real connection) so the
	// outbound channel is never drained and the overflow path is
	// deterministic rather than racing a live reader goroutine.
	sub := &Subscriber{hub: hub, send: make(chan model.Event, outboundQueueSize), userID: "user-1", rooms: make(map[string]bool)}
	hub.join(sub, UserRoom("user-1"))

	for i := 0; i < outboundQueueSize+10; i++ {
		hub.PublishToUser("user-1", model.Event{Kind: model.EventOnlineChanged})
	}

	hub.mu.RLock()
	members := hub.rooms[UserRoom("user-1")]
	hub.mu.RUnlock()
	assert.Empty(t, members)

	sub.mu.Lock()
	assert.True(t, sub.closed)
	sub.mu.Unlock()
}

func TestUpgradeAuthenticated_JoinsRoomsAfterFirstFrame(t *testing.T) {
	hub := NewHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := hub.UpgradeAuthenticated(w, r, time.Second, func(_ context.Context, token string) (string, []string, error) {
			return "user-1", []string{"dev-1"}, nil
		})
		if err != nil {
			t.Log(err)
		}
	}))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"token": "tok-123"}))
	time.Sleep(20 * time.Millisecond)

	hub.Publish(DeviceRoom("dev-1"), model.Event{Kind: model.EventStateChanged, DeviceID: "dev-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "dev-1", ev.DeviceID)
}

func TestUpgradeAuthenticated_ClosesConnectionOnAuthFailure(t *testing.T) {
	hub := NewHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.UpgradeAuthenticated(w, r, time.Second, func(_ context.Context, token string) (string, []string, error) {
			return "", nil, assert.AnError
		})
	}))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"token": "bad"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err, "the server reports the failure in one frame before closing")
	assert.Contains(t, string(frame), "authentication failed")

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestJoinDevice_AttachesAdditionalRoom(t *testing.T) {
	hub := NewHub(testLogger())
	srv := newTestServer(hub, "user-1", nil)
	defer srv.Close()

	var sub *Subscriber
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := hub.Upgrade(w, r, "user-2", nil)
		require.NoError(t, err)
		sub = s
	}))
	defer srv2.Close()

	conn := dial(t, srv2)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	hub.JoinDevice(sub, "dev-9")
	hub.Publish(DeviceRoom("dev-9"), model.Event{Kind: model.EventStateChanged, DeviceID: "dev-9"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "dev-9", ev.DeviceID)
}
