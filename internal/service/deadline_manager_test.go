package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestDeadlineFiresOnce(t *testing.T) {
	var fired int32
	m := NewDeadlineManager(func(uuid.UUID) { atomic.AddInt32(&fired, 1) }, zerolog.Nop())
	defer m.StopAll()

	id := uuid.New()
	m.Register(id, time.Now().Add(20*time.Millisecond))
	m.Register(id, time.Now().Add(time.Hour)) // duplicate must not re-arm

	waitUntil(t, func() bool { return atomic.LoadInt32(&fired) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("expired %d times, want once", n)
	}
	if m.Active() != 0 {
		t.Errorf("fired timer still tracked")
	}
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	var fired int32
	m := NewDeadlineManager(func(uuid.UUID) { atomic.AddInt32(&fired, 1) }, zerolog.Nop())
	defer m.StopAll()

	m.Register(uuid.New(), time.Now().Add(-time.Minute))
	waitUntil(t, func() bool { return atomic.LoadInt32(&fired) == 1 })
}

func TestCancelPreventsFiring(t *testing.T) {
	var fired int32
	m := NewDeadlineManager(func(uuid.UUID) { atomic.AddInt32(&fired, 1) }, zerolog.Nop())
	defer m.StopAll()

	id := uuid.New()
	m.Register(id, time.Now().Add(30*time.Millisecond))
	m.Cancel(id)

	time.Sleep(80 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Fatalf("cancelled timer fired %d times", n)
	}
}

func TestCancelRaceNeverDoubleFires(t *testing.T) {
	// Hammer register/cancel pairs; whatever the interleaving, each session
	// expires at most once.
	counts := sync.Map{}
	m := NewDeadlineManager(func(id uuid.UUID) {
		v, _ := counts.LoadOrStore(id, new(int32))
		atomic.AddInt32(v.(*int32), 1)
	}, zerolog.Nop())
	defer m.StopAll()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := uuid.New()
		m.Register(id, time.Now().Add(time.Duration(i%5)*time.Millisecond))
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			m.Cancel(id)
		}(id)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	counts.Range(func(_, v interface{}) bool {
		if n := atomic.LoadInt32(v.(*int32)); n > 1 {
			t.Fatalf("session expired %d times", n)
		}
		return true
	})
}

func TestStopAllDisarmsEverything(t *testing.T) {
	var fired int32
	m := NewDeadlineManager(func(uuid.UUID) { atomic.AddInt32(&fired, 1) }, zerolog.Nop())

	for i := 0; i < 10; i++ {
		m.Register(uuid.New(), time.Now().Add(30*time.Millisecond))
	}
	m.StopAll()

	time.Sleep(80 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Fatalf("%d timers fired after StopAll", n)
	}
	if m.Active() != 0 {
		t.Errorf("timers still tracked after StopAll")
	}
}
