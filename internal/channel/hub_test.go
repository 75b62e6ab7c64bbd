package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSocket collects everything written through a Conn.
type fakeSocket struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (f *fakeSocket) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, v.(Event))
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestConn() (*Conn, *fakeSocket) {
	sock := &fakeSocket{}
	c := NewConn(sock, zerolog.Nop())
	go c.WritePump()
	return c, sock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishFansOutToRoomOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	monA1, sockA1 := newTestConn()
	monA2, sockA2 := newTestConn()
	monB, sockB := newTestConn()

	hub.Join(monA1, MonitorRoom("assess-a"))
	hub.Join(monA2, MonitorRoom("assess-a"))
	hub.Join(monB, MonitorRoom("assess-b"))

	n := hub.Publish(MonitorRoom("assess-a"), Event{Type: EventAlertRaised, AssessmentID: "assess-a"})
	if n != 2 {
		t.Fatalf("expected delivery to 2 connections, got %d", n)
	}

	waitFor(t, func() bool { return len(sockA1.received()) == 1 && len(sockA2.received()) == 1 })

	if got := sockA1.received()[0].Type; got != EventAlertRaised {
		t.Errorf("expected alert_raised, got %s", got)
	}
	if len(sockB.received()) != 0 {
		t.Errorf("connection in another assessment's room received the event")
	}
}

func TestJoinParticipantEvictsPrevious(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	first, firstSock := newTestConn()
	hub.JoinParticipant(first, "sess-1")

	second, _ := newTestConn()
	hub.JoinParticipant(second, "sess-1")

	waitFor(t, func() bool {
		evs := firstSock.received()
		return len(evs) == 1 && evs[0].Type == EventSuperseded
	})

	if !first.Closed() {
		t.Error("evicted connection was not closed")
	}
	if hub.RoomSize(ParticipantRoom("sess-1")) != 1 {
		t.Errorf("expected exactly one live connection per session, got %d", hub.RoomSize(ParticipantRoom("sess-1")))
	}

	// New events reach only the surviving connection.
	if err := hub.SendControl("sess-1", Event{Type: EventControl}); err != nil {
		t.Fatalf("send control: %v", err)
	}
	if evs := firstSock.received(); len(evs) != 1 {
		t.Errorf("evicted connection still receives events: %v", evs)
	}
}

func TestCloseStillDeliversQueuedEvents(t *testing.T) {
	c, sock := newTestConn()

	// Enqueue-then-close is exactly what eviction does; the notice must
	// still be written before the socket goes down.
	if !c.Enqueue(Event{Type: EventSuperseded, SessionID: "sess-1"}) {
		t.Fatal("enqueue on a live connection failed")
	}
	c.Close()

	waitFor(t, func() bool {
		evs := sock.received()
		return len(evs) == 1 && evs[0].Type == EventSuperseded
	})
	waitFor(t, sock.isClosed)
}

func TestSendControlOffline(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	err := hub.SendControl("nobody-home", Event{Type: EventControl})
	if !errors.Is(err, ErrTargetOffline) {
		t.Fatalf("expected ErrTargetOffline, got %v", err)
	}
}

func TestDetachRemovesFromAllRooms(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	c, _ := newTestConn()
	hub.Join(c, MonitorRoom("assess-a"))
	hub.Join(c, MonitorRoom("assess-b"))

	hub.Detach(c)

	if hub.RoomSize(MonitorRoom("assess-a")) != 0 || hub.RoomSize(MonitorRoom("assess-b")) != 0 {
		t.Error("detach left stale room membership behind")
	}
}

func TestSlowConsumerDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	// No WritePump: the buffer fills and further events must drop, not block.
	stuckSock := &fakeSocket{}
	stuck := NewConn(stuckSock, zerolog.Nop())
	hub.Join(stuck, MonitorRoom("assess-a"))

	healthy, healthySock := newTestConn()
	hub.Join(healthy, MonitorRoom("assess-a"))

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			hub.Publish(MonitorRoom("assess-a"), Event{Type: EventSessionStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}

	// The healthy connection keeps draining; the stuck one holds at most a
	// buffer's worth and never reaches its socket without a pump.
	waitFor(t, func() bool { return len(healthySock.received()) > 0 })
	if got := len(stuckSock.received()); got != 0 {
		t.Errorf("pumpless connection wrote %d events", got)
	}
}
