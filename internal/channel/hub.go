package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrTargetOffline is returned when a control command targets a session with
// no live participant connection. Never swallowed: the issuing monitor must
// learn the intervention did not take effect.
var ErrTargetOffline = errors.New("target session has no live connection")

// MonitorRoom names the room joined by every monitor of an assessment.
func MonitorRoom(assessmentID string) string {
	return fmt.Sprintf("monitor:%s", assessmentID)
}

// ParticipantRoom names the private room of one session's participant.
func ParticipantRoom(sessionID string) string {
	return fmt.Sprintf("participant:%s", sessionID)
}

// Hub routes events between live connections grouped into rooms. Membership
// is in-memory only; it never outlives the process and is rebuilt from the
// reconnect handshake. Constructed once at startup and passed by reference
// to the components that need it.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	log   zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*Conn]struct{}),
		log:   log.With().Str("component", "channel_hub").Logger(),
	}
}

// Join adds a connection to a room.
func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// JoinParticipant binds a connection as the single live connection for a
// session. A second connect for the same session evicts the first with a
// superseded notice.
func (h *Hub) JoinParticipant(c *Conn, sessionID string) {
	room := ParticipantRoom(sessionID)

	var evicted []*Conn

	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		for old := range members {
			evicted = append(evicted, old)
			delete(members, old)
		}
	} else {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	h.mu.Unlock()

	for _, old := range evicted {
		old.Enqueue(Event{Type: EventSuperseded, SessionID: sessionID})
		old.Close()
		h.log.Info().Str("session_id", sessionID).Msg("Evicted superseded participant connection")
	}
}

// Leave removes a connection from one room.
func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

// Detach removes a connection from every room it joined. Called on
// disconnect; the underlying session keeps running against its deadline.
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.rooms {
		h.removeLocked(c, room)
	}
}

func (h *Hub) removeLocked(c *Conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish fans an event out to every connection currently in the room.
// Delivery is fire-and-forget per connection: a slow consumer drops the
// event rather than delaying the rest. Missed events are not queued;
// disconnected clients resync from authoritative state. Returns the number
// of connections the event was enqueued to.
func (h *Hub) Publish(room string, ev Event) int {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if c.Enqueue(ev) {
			delivered++
		}
	}
	return delivered
}

// SendControl routes a control event into the target session's participant
// room, or reports ErrTargetOffline when nobody is connected.
func (h *Hub) SendControl(sessionID string, ev Event) error {
	if h.Publish(ParticipantRoom(sessionID), ev) == 0 {
		return ErrTargetOffline
	}
	return nil
}

// RoomSize reports current membership, for monitor dashboards and tests.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
