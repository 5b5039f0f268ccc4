// Package realtime implements the authenticated subscriber fan-out (C9):
// a gorilla/websocket hub keyed by room name, with ordered per-device
// delivery and a bounded per-subscriber outbound queue. The read/write-pump
// split is the standard gorilla idiom; room membership and the
// Authenticate-then-inject-identity shape follow the teacher's
// middleware.go context-key pattern, generalized from one HTTP request to
// one long-lived connection.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/metrics"
	"github.com/iotmca0/autovolt-sub001/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	outboundQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscriber is one authenticated connection, joined to zero or more rooms.
type Subscriber struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan model.Event
	userID string

	mu     sync.Mutex
	rooms  map[string]bool
	closed bool
}

// Hub owns room membership and fans out events to every subscriber in a
// room (spec.md §4.9: "joined to user:<userId> and device:<deviceId> rooms").
type Hub struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]bool
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{logger: logger, rooms: make(map[string]map[*Subscriber]bool)}
}

// Upgrade promotes an HTTP request to a websocket connection and joins the
// resulting subscriber to its user room and one device room per deviceIDs.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID string, deviceIDs []string) (*Subscriber, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	sub := &Subscriber{
		hub:    h,
		conn:   conn,
		send:   make(chan model.Event, outboundQueueSize),
		userID: userID,
		rooms:  make(map[string]bool),
	}

	h.join(sub, UserRoom(userID))
	for _, d := range deviceIDs {
		h.join(sub, DeviceRoom(d))
	}
	metrics.RealtimeSubscribers.Inc()

	go sub.writePump()
	go sub.readPump()
	return sub, nil
}

// Authenticator resolves the token carried in the channel's first client
// message into the subscriber's userID and the device rooms it should join
// (spec.md §6.2: "First client message: {token}").
type Authenticator func(ctx context.Context, token string) (userID string, deviceIDs []string, err error)

// UpgradeAuthenticated promotes the request to a websocket connection
// without joining any room, reads the first frame as {"token": "..."},
// resolves it via authenticate, and only then joins the resulting rooms and
// starts the pumps. The connection is closed if the first frame doesn't
// arrive or doesn't authenticate within handshakeTimeout.
func (h *Hub) UpgradeAuthenticated(w http.ResponseWriter, r *http.Request, handshakeTimeout time.Duration, authenticate Authenticator) (*Subscriber, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var first struct {
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, err
	}

	userID, deviceIDs, err := authenticate(r.Context(), first.Token)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": "authentication failed"})
		conn.Close()
		return nil, err
	}

	sub := &Subscriber{
		hub:    h,
		conn:   conn,
		send:   make(chan model.Event, outboundQueueSize),
		userID: userID,
		rooms:  make(map[string]bool),
	}

	h.join(sub, UserRoom(userID))
	for _, d := range deviceIDs {
		h.join(sub, DeviceRoom(d))
	}
	metrics.RealtimeSubscribers.Inc()

	go sub.writePump()
	go sub.readPump()
	return sub, nil
}

// UserRoom and DeviceRoom name the two room kinds spec.md §4.9 defines.
func UserRoom(userID string) string   { return "user:" + userID }
func DeviceRoom(deviceID string) string { return "device:" + deviceID }

func (h *Hub) join(sub *Subscriber, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscriber]bool)
		h.rooms[room] = members
	}
	members[sub] = true
	h.mu.Unlock()

	sub.mu.Lock()
	sub.rooms[room] = true
	sub.mu.Unlock()
}

// JoinDevice lets a caller attach an already-connected subscriber to an
// additional device room, e.g. after a scope change mid-session.
func (h *Hub) JoinDevice(sub *Subscriber, deviceID string) {
	h.join(sub, DeviceRoom(deviceID))
}

func (h *Hub) leaveAll(sub *Subscriber) {
	sub.mu.Lock()
	rooms := make([]string, 0, len(sub.rooms))
	for r := range sub.rooms {
		rooms = append(rooms, r)
	}
	sub.rooms = make(map[string]bool)
	sub.mu.Unlock()

	h.mu.Lock()
	for _, room := range rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, sub)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
}

// Publish fans ev out to every subscriber currently in room. A subscriber
// whose outbound queue is full is disconnected rather than blocking the
// publisher or dropping events silently (spec.md §4.9 backpressure:
// "on overflow, the subscriber is disconnected and must reconcile via
// REST").
func (h *Hub) Publish(room string, ev model.Event) {
	h.mu.RLock()
	members := h.rooms[room]
	subs := make([]*Subscriber, 0, len(members))
	for s := range members {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.send <- ev:
		default:
			h.logger.Warnw("subscriber outbound queue full, disconnecting", "room", room, "userId", s.userID)
			s.Close()
		}
	}
}

// PublishToUser is a convenience wrapper for events routed by TargetUserID
// (spec.md §4.9: "command.outcome ... to the issuing user's room").
func (h *Hub) PublishToUser(userID string, ev model.Event) {
	h.Publish(UserRoom(userID), ev)
}

// Close removes the subscriber from every room it belongs to and terminates
// its outbound queue; safe to call more than once and from any goroutine
// (overflow detection in Publish and the read pump's disconnect path can
// both race to call it).
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.leaveAll(s)
	metrics.RealtimeSubscribers.Dec()
	close(s.send)
}

func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Subscriber) readPump() {
	defer s.Close()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		// Clients don't send application messages over this channel; any
		// inbound frame only keeps the read deadline alive.
	}
}
