package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeadlineManager owns one timer per active session and fires the expiry
// callback when a deadline passes. Deadlines are immutable once registered;
// pausing a session does not touch its timer.
type DeadlineManager struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	expire func(sessionID uuid.UUID)
	log    zerolog.Logger
}

// NewDeadlineManager creates a manager that invokes expire once per session
// when that session's deadline passes.
func NewDeadlineManager(expire func(sessionID uuid.UUID), log zerolog.Logger) *DeadlineManager {
	return &DeadlineManager{
		timers: make(map[uuid.UUID]*time.Timer),
		expire: expire,
		log:    log.With().Str("component", "deadline_manager").Logger(),
	}
}

// Register arms a timer for the session. A deadline already in the past
// fires immediately. Re-registering the same session is a no-op so a
// duplicate begin cannot move the clock.
func (m *DeadlineManager) Register(sessionID uuid.UUID, deadlineAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[sessionID]; ok {
		return
	}

	remaining := time.Until(deadlineAt)
	m.timers[sessionID] = time.AfterFunc(remaining, func() {
		m.fire(sessionID)
	})
	m.log.Debug().
		Str("session_id", sessionID.String()).
		Dur("remaining", remaining).
		Msg("Deadline registered")
}

func (m *DeadlineManager) fire(sessionID uuid.UUID) {
	m.mu.Lock()
	_, armed := m.timers[sessionID]
	delete(m.timers, sessionID)
	m.mu.Unlock()

	// A Cancel that won the race disarms the timer before it runs.
	if !armed {
		return
	}

	m.log.Info().Str("session_id", sessionID.String()).Msg("Session deadline expired")
	m.expire(sessionID)
}

// Cancel disarms the session's timer. Called only after the terminal row is
// persisted; a timer that already fired is absorbed by submit idempotency.
func (m *DeadlineManager) Cancel(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// Active reports how many timers are currently armed.
func (m *DeadlineManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// StopAll disarms every timer. Used on shutdown; sessions are re-armed by
// the recovery sweep on the next start.
func (m *DeadlineManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
