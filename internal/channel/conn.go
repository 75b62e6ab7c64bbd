package channel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	writeDeadline = 10 * time.Second
	// sendBuffer bounds per-connection backlog; a consumer slower than this
	// loses events rather than stalling the room (clients resync via REST).
	sendBuffer = 64
)

// sender is the minimal surface the connection needs from a transport.
// *websocket.Conn satisfies it; tests substitute an in-memory fake.
type sender interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live connection attached to the hub. All writes go through a
// buffered channel drained by a single writer goroutine, so publishing to a
// room never blocks on any individual socket.
type Conn struct {
	ws   sender
	send chan Event
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

// NewConn wraps a transport for hub membership. Call WritePump in its own
// goroutine before joining any room.
func NewConn(ws sender, log zerolog.Logger) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan Event, sendBuffer),
		done: make(chan struct{}),
		log:  log,
	}
}

// Enqueue offers an event to the connection without blocking. Events to a
// full or closed connection are dropped; delivery is at-least-once only for
// connections that keep up.
func (c *Conn) Enqueue(ev Event) bool {
	select {
	case <-c.done:
		return false
	case c.send <- ev:
		return true
	default:
		c.log.Warn().Str("event", string(ev.Type)).Msg("Send buffer full, dropping event")
		return false
	}
}

// WritePump drains the send channel onto the socket until Close, then
// flushes whatever was queued before the shutdown signal won the select.
// An eviction notice enqueued right before the hub closes the loser must
// still reach the wire. The pump owns the socket and closes it on exit.
func (c *Conn) WritePump() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			c.flush()
			return
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}
		}
	}
}

func (c *Conn) write(ev Event) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.ws.WriteJSON(ev); err != nil {
		c.log.Debug().Err(err).Msg("Write failed, closing connection")
		c.Close()
		return false
	}
	return true
}

func (c *Conn) flush() {
	for {
		select {
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}
		default:
			return
		}
	}
}

// Close signals shutdown exactly once. Safe to call from any goroutine;
// the hub also calls it when evicting a superseded connection. The write
// pump drains pending events and closes the underlying socket.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
