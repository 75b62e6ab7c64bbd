package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/model"
)

// ─── In-memory fakes ─────────────────────────────────────────────────

// memSessionStore mirrors the repository's guarded-update semantics: writes
// that match no row report pgx.ErrNoRows, exactly like the SQL layer.
type memSessionStore struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]*model.ExamSession
	completeCalls int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[uuid.UUID]*model.ExamSession)}
}

func (m *memSessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) GetOpenByParticipant(_ context.Context, assessmentID uuid.UUID, participantID int) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AssessmentID == assessmentID && s.ParticipantID == participantID && s.State != model.SessionStateSubmitted {
			cp := *s
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memSessionStore) HasTerminal(_ context.Context, assessmentID uuid.UUID, participantID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AssessmentID == assessmentID && s.ParticipantID == participantID && s.State == model.SessionStateSubmitted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSessionStore) Create(_ context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.AssessmentID == s.AssessmentID && existing.ParticipantID == s.ParticipantID && existing.State != model.SessionStateSubmitted {
			return pgx.ErrNoRows
		}
	}
	now := time.Now()
	s.CreatedAt = now
	s.LastActivityAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionStore) Begin(_ context.Context, id uuid.UUID, startedAt, deadlineAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State != model.SessionStateNotStarted {
		return pgx.ErrNoRows
	}
	s.State = model.SessionStateInProgress
	s.StartedAt = &startedAt
	s.DeadlineAt = &deadlineAt
	s.LastActivityAt = startedAt
	return nil
}

func (m *memSessionStore) UpdateState(_ context.Context, id uuid.UUID, from, to model.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State != from {
		return pgx.ErrNoRows
	}
	s.State = to
	return nil
}

func (m *memSessionStore) TouchActivity(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = time.Now()
	}
	return nil
}

func (m *memSessionStore) Complete(_ context.Context, id uuid.UUID, cause model.SubmitCause, score float64, correct, total int, submittedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State == model.SessionStateSubmitted {
		return pgx.ErrNoRows
	}
	m.completeCalls++
	s.State = model.SessionStateSubmitted
	s.SubmitCause = &cause
	s.FinalScore = &score
	s.CorrectCount = &correct
	s.TotalCount = &total
	s.SubmittedAt = &submittedAt
	return nil
}

func (m *memSessionStore) ListActive(_ context.Context) ([]model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ExamSession
	for _, s := range m.sessions {
		if s.State != model.SessionStateSubmitted && s.DeadlineAt != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

// force pushes a session into a state directly, bypassing guards.
func (m *memSessionStore) force(id uuid.UUID, state model.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id].State = state
}

type memAnswerStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]map[string]string
	failing  bool
	batches  int
	attempts int
}

func newMemAnswerStore() *memAnswerStore {
	return &memAnswerStore{records: make(map[uuid.UUID]map[string]string)}
}

func (m *memAnswerStore) setFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *memAnswerStore) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *memAnswerStore) UpsertBatch(_ context.Context, sessionID uuid.UUID, answers map[string]string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failing {
		return errors.New("storage unavailable")
	}
	m.batches++
	if m.records[sessionID] == nil {
		m.records[sessionID] = make(map[string]string)
	}
	for k, v := range answers {
		m.records[sessionID][k] = v
	}
	return nil
}

func (m *memAnswerStore) LoadBySession(_ context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AnswerRecord
	for itemID, value := range m.records[sessionID] {
		id, err := uuid.Parse(itemID)
		if err != nil {
			continue
		}
		out = append(out, model.AnswerRecord{SessionID: sessionID, ItemID: id, SelectedValue: value})
	}
	return out, nil
}

type fakeBank struct {
	assessment model.Assessment
	key        map[string]string
	duration   time.Duration
}

func (b *fakeBank) AssessmentByID(_ context.Context, id uuid.UUID) (*model.Assessment, error) {
	if id != b.assessment.ID {
		return nil, pgx.ErrNoRows
	}
	cp := b.assessment
	return &cp, nil
}

func (b *fakeBank) AnswerKey(_ context.Context, _ uuid.UUID) (map[string]string, error) {
	return b.key, nil
}

func (b *fakeBank) Duration(_ context.Context, _ uuid.UUID) (time.Duration, error) {
	return b.duration, nil
}

type fakeAccess struct {
	granted bool
}

func (a *fakeAccess) HasGrant(_ context.Context, _ uuid.UUID, _ int) (bool, error) {
	return a.granted, nil
}

type memCache struct {
	mu      sync.Mutex
	answers map[uuid.UUID]map[string]string
	flags   map[uuid.UUID]map[string]bool
	queued  []model.AnswerRecord
	cleared []uuid.UUID
}

func newMemCache() *memCache {
	return &memCache{
		answers: make(map[uuid.UUID]map[string]string),
		flags:   make(map[uuid.UUID]map[string]bool),
	}
}

func (c *memCache) SaveAnswer(_ context.Context, sessionID uuid.UUID, itemID, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answers[sessionID] == nil {
		c.answers[sessionID] = make(map[string]string)
	}
	c.answers[sessionID][itemID] = value
	return nil
}

func (c *memCache) SetFlag(_ context.Context, sessionID uuid.UUID, itemID string, flagged bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flags[sessionID] == nil {
		c.flags[sessionID] = make(map[string]bool)
	}
	if flagged {
		c.flags[sessionID][itemID] = true
	} else {
		delete(c.flags[sessionID], itemID)
	}
	return nil
}

func (c *memCache) Answers(_ context.Context, sessionID uuid.UUID) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.answers[sessionID]))
	for k, v := range c.answers[sessionID] {
		out[k] = v
	}
	return out, nil
}

func (c *memCache) Flags(_ context.Context, sessionID uuid.UUID) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.flags[sessionID] {
		out = append(out, k)
	}
	return out, nil
}

func (c *memCache) EnqueuePersist(_ context.Context, rec model.AnswerRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, rec)
	return nil
}

func (c *memCache) Clear(_ context.Context, sessionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.answers, sessionID)
	delete(c.flags, sessionID)
	c.cleared = append(c.cleared, sessionID)
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events map[string][]channel.Event
	sizes  map[string]int
}

func newFakeHub() *fakeHub {
	return &fakeHub{events: make(map[string][]channel.Event), sizes: make(map[string]int)}
}

func (h *fakeHub) Publish(room string, ev channel.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[room] = append(h.events[room], ev)
	return h.sizes[room]
}

func (h *fakeHub) SendControl(sessionID string, ev channel.Event) error {
	room := channel.ParticipantRoom(sessionID)
	if h.Publish(room, ev) == 0 {
		return channel.ErrTargetOffline
	}
	return nil
}

func (h *fakeHub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sizes[room]
}

func (h *fakeHub) setOnline(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sizes[channel.ParticipantRoom(sessionID)] = 1
}

func (h *fakeHub) roomEvents(room string) []channel.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]channel.Event, len(h.events[room]))
	copy(out, h.events[room])
	return out
}

// ─── Fixture ─────────────────────────────────────────────────────────

type fixture struct {
	svc     *SessionService
	store   *memSessionStore
	answers *memAnswerStore
	cache   *memCache
	hub     *fakeHub
	bank    *fakeBank
	itemA   string
	itemB   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	itemA := uuid.NewString()
	itemB := uuid.NewString()
	bank := &fakeBank{
		assessment: model.Assessment{
			ID:              uuid.New(),
			Title:           "Ujian Harian",
			DurationMinutes: 30,
			Status:          model.AssessmentStatusPublished,
		},
		key:      map[string]string{itemA: "A", itemB: "C"},
		duration: 30 * time.Minute,
	}

	f := &fixture{
		store:   newMemSessionStore(),
		answers: newMemAnswerStore(),
		cache:   newMemCache(),
		hub:     newFakeHub(),
		bank:    bank,
		itemA:   itemA,
		itemB:   itemB,
	}
	f.svc = NewSessionService(f.store, f.answers, bank, &fakeAccess{granted: true}, f.cache, f.hub, zerolog.Nop())
	t.Cleanup(f.svc.Deadlines().StopAll)
	return f
}

func (f *fixture) openAndBegin(t *testing.T, participantID int) *model.ExamSession {
	t.Helper()
	ctx := context.Background()
	session, err := f.svc.Open(ctx, f.bank.assessment.ID, participantID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	session, err = f.svc.Begin(ctx, session.ID, participantID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return session
}

// ─── Open / Begin ────────────────────────────────────────────────────

func TestOpenIsIdempotentPerParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Open(ctx, f.bank.assessment.ID, 7)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := f.svc.Open(ctx, f.bank.assessment.ID, 7)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second open created a new session: %s vs %s", first.ID, second.ID)
	}
	if first.State != model.SessionStateNotStarted {
		t.Errorf("open must not start the clock, got state %s", first.State)
	}
	if first.DeadlineAt != nil {
		t.Error("deadline must not exist before begin")
	}
}

func TestOpenRejectsUngrantedParticipant(t *testing.T) {
	f := newFixture(t)
	f.svc = NewSessionService(f.store, f.answers, f.bank, &fakeAccess{granted: false}, f.cache, f.hub, zerolog.Nop())

	_, err := f.svc.Open(context.Background(), f.bank.assessment.ID, 7)
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestOpenRejectsCompletedParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.openAndBegin(t, 7)
	if _, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := f.svc.Open(ctx, f.bank.assessment.ID, 7)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestBeginIsIdempotentAndKeepsDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := f.openAndBegin(t, 7)
	if session.DeadlineAt == nil {
		t.Fatal("begin did not stamp a deadline")
	}
	firstDeadline := *session.DeadlineAt

	again, err := f.svc.Begin(ctx, session.ID, 7)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if !again.DeadlineAt.Equal(firstDeadline) {
		t.Errorf("second begin moved the deadline: %v vs %v", again.DeadlineAt, firstDeadline)
	}

	want := session.StartedAt.Add(30 * time.Minute)
	if !firstDeadline.Equal(want) {
		t.Errorf("deadline = started_at + duration violated: %v vs %v", firstDeadline, want)
	}
}

// ─── Autosave ────────────────────────────────────────────────────────

func TestSaveAnswerOnlyWhileInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Open(ctx, f.bank.assessment.ID, 7)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "A"); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("answer before begin: expected ErrSessionNotActive, got %v", err)
	}

	if _, err := f.svc.Begin(ctx, session.ID, 7); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "A"); err != nil {
		t.Fatalf("answer while running: %v", err)
	}

	f.store.force(session.ID, model.SessionStatePaused)
	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "B"); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("answer while paused: expected ErrSessionNotActive, got %v", err)
	}

	saved, _ := f.cache.Answers(ctx, session.ID)
	if saved[f.itemA] != "A" {
		t.Errorf("rejected answer leaked into the cache: %v", saved)
	}
	if len(f.cache.queued) != 1 {
		t.Errorf("expected exactly one queued persist, got %d", len(f.cache.queued))
	}
}

func TestSaveAnswerRejectsForeignSession(t *testing.T) {
	f := newFixture(t)
	session := f.openAndBegin(t, 7)

	err := f.svc.SaveAnswer(context.Background(), session.ID, 99, f.itemA, "A")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign participant, got %v", err)
	}
}

func TestSaveAnswerSerializesWithOtherMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	// Holding the session mutex must block an autosave for the same session.
	mu := f.svc.lockSession(session.ID)
	mu.Lock()
	done := make(chan error, 1)
	go func() {
		done <- f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "A")
	}()

	select {
	case <-done:
		t.Fatal("autosave ran while the session mutex was held")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Unlock()
	if err := <-done; err != nil {
		t.Fatalf("autosave after unlock: %v", err)
	}

	// After a submit no late autosave can slip past the terminal state.
	if _, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	queued := len(f.cache.queued)
	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "B"); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive after submit, got %v", err)
	}
	if len(f.cache.queued) != queued {
		t.Error("late autosave queued a persist after the terminal row")
	}
	if saved, _ := f.cache.Answers(ctx, session.ID); len(saved) != 0 {
		t.Errorf("late autosave resurrected the cleared cache: %v", saved)
	}
}

// ─── Submit ──────────────────────────────────────────────────────────

func TestSubmitScoresAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "A"); err != nil {
		t.Fatalf("save: %v", err)
	}
	receipt, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, map[string]string{f.itemB: "C"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if receipt.CorrectCount != 2 || receipt.TotalCount != 2 {
		t.Errorf("expected 2/2, got %d/%d", receipt.CorrectCount, receipt.TotalCount)
	}
	if receipt.Score != 100 {
		t.Errorf("expected score 100, got %v", receipt.Score)
	}
	if receipt.Cause != model.SubmitCauseExplicit {
		t.Errorf("expected EXPLICIT cause, got %s", receipt.Cause)
	}
	if f.answers.records[session.ID][f.itemA] != "A" {
		t.Error("cached answer not persisted at submit")
	}
	if len(f.cache.cleared) != 1 {
		t.Error("answer cache not cleared after submit")
	}
}

func TestSubmitExplicitAnswersWinOverCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "B"); err != nil {
		t.Fatalf("save: %v", err)
	}
	receipt, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, map[string]string{f.itemA: "A"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.CorrectCount != 1 {
		t.Errorf("explicit answer did not override the cached one: %+v", receipt)
	}
}

func TestSubmitExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	const callers = 20
	receipts := make([]*model.SubmitReceipt, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			r, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			receipts[i] = r
		}(i)
	}
	wg.Wait()

	if f.store.completeCalls != 1 {
		t.Fatalf("terminal row written %d times, want exactly once", f.store.completeCalls)
	}
	for i, r := range receipts {
		if r == nil {
			continue
		}
		if r.SubmittedAt != receipts[0].SubmittedAt || r.Score != receipts[0].Score {
			t.Errorf("caller %d saw a different receipt: %+v vs %+v", i, r, receipts[0])
		}
	}
}

func TestSubmitRepeatReturnsStoredReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	first, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A later deadline or monitor submit must not change anything.
	second, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseDeadlineExpired, nil)
	if err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	if second.Cause != first.Cause || !second.SubmittedAt.Equal(first.SubmittedAt) {
		t.Errorf("repeat submit altered the receipt: %+v vs %+v", second, first)
	}
	if f.store.completeCalls != 1 {
		t.Errorf("terminal row written %d times", f.store.completeCalls)
	}
}

func TestExplicitSubmitAllowedFromPausedAndLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paused := f.openAndBegin(t, 7)
	f.store.force(paused.ID, model.SessionStatePaused)
	receipt, err := f.svc.Submit(ctx, paused.ID, model.SubmitCauseExplicit, nil)
	if err != nil {
		t.Fatalf("submit from PAUSED: %v", err)
	}
	if receipt.Cause != model.SubmitCauseExplicit {
		t.Errorf("expected EXPLICIT cause, got %s", receipt.Cause)
	}

	// A participant may also hand in a locked session.
	locked := f.openAndBegin(t, 8)
	f.store.force(locked.ID, model.SessionStateLocked)
	receipt, err = f.svc.Submit(ctx, locked.ID, model.SubmitCauseExplicit, nil)
	if err != nil {
		t.Fatalf("submit from LOCKED: %v", err)
	}
	if receipt.Cause != model.SubmitCauseExplicit {
		t.Errorf("expected EXPLICIT cause, got %s", receipt.Cause)
	}
}

func TestSubmitRejectedBeforeBegin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Open(ctx, f.bank.assessment.ID, 7)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from NOT_STARTED, got %v", err)
	}
}

func TestSubmitPersistFailureKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "A"); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.answers.failing = true
	if _, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil); !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure, got %v", err)
	}

	current, err := f.store.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if current.State != model.SessionStateInProgress {
		t.Errorf("failed submit changed state to %s", current.State)
	}

	// Retry after the store recovers.
	f.answers.failing = false
	if _, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
}

// ─── Deadlines ───────────────────────────────────────────────────────

func TestDeadlineExpirySubmitsSession(t *testing.T) {
	f := newFixture(t)
	f.bank.duration = 30 * time.Millisecond
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	waitUntil(t, func() bool {
		current, err := f.store.GetByID(ctx, session.ID)
		return err == nil && current.State == model.SessionStateSubmitted
	})

	current, _ := f.store.GetByID(ctx, session.ID)
	if current.SubmitCause == nil || *current.SubmitCause != model.SubmitCauseDeadlineExpired {
		t.Fatalf("expected DEADLINE_EXPIRED cause, got %v", current.SubmitCause)
	}
}

func TestDeadlineExpiryRetriesAfterPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.bank.duration = 20 * time.Millisecond
	prev := expiryRetryDelay
	expiryRetryDelay = 20 * time.Millisecond
	t.Cleanup(func() { expiryRetryDelay = prev })

	f.answers.setFailing(true)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	// The first firing fails but must leave a timer armed for the retry.
	waitUntil(t, func() bool {
		return f.answers.attemptCount() >= 1 && f.svc.Deadlines().Active() == 1
	})
	current, err := f.store.GetByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if current.State != model.SessionStateInProgress {
		t.Fatalf("failed expiry changed state to %s", current.State)
	}

	// Once the store recovers, the retry finalizes the session.
	f.answers.setFailing(false)
	waitUntil(t, func() bool {
		current, err := f.store.GetByID(ctx, session.ID)
		return err == nil && current.State == model.SessionStateSubmitted
	})
	current, _ = f.store.GetByID(ctx, session.ID)
	if current.SubmitCause == nil || *current.SubmitCause != model.SubmitCauseDeadlineExpired {
		t.Fatalf("expected DEADLINE_EXPIRED cause, got %v", current.SubmitCause)
	}
}

func TestSubmitDisarmsDeadlineTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	if f.svc.Deadlines().Active() != 1 {
		t.Fatalf("expected one armed timer, got %d", f.svc.Deadlines().Active())
	}
	if _, err := f.svc.Submit(ctx, session.ID, model.SubmitCauseExplicit, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.svc.Deadlines().Active() != 0 {
		t.Errorf("timer still armed after submit")
	}
}

func TestPauseDoesNotExtendDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)
	original := *session.DeadlineAt
	f.hub.setOnline(session.ID.String())

	cmd := channel.ControlCommand{Type: channel.CommandPause, IssuedBy: 1}
	if err := f.svc.ApplyControl(ctx, session.ID, cmd); err != nil {
		t.Fatalf("pause: %v", err)
	}
	cmd.Type = channel.CommandResume
	if err := f.svc.ApplyControl(ctx, session.ID, cmd); err != nil {
		t.Fatalf("resume: %v", err)
	}

	current, _ := f.store.GetByID(ctx, session.ID)
	if !current.DeadlineAt.Equal(original) {
		t.Errorf("pause/resume moved the deadline: %v vs %v", current.DeadlineAt, original)
	}
	if f.svc.Deadlines().Active() != 1 {
		t.Errorf("pause disturbed the armed timer")
	}
}

func TestRecoverDeadlinesSubmitsOverdueSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	// Simulate a restart: timers gone, deadline already behind us.
	f.svc.Deadlines().StopAll()
	past := time.Now().Add(-time.Minute)
	f.store.mu.Lock()
	f.store.sessions[session.ID].DeadlineAt = &past
	f.store.mu.Unlock()

	if err := f.svc.RecoverDeadlines(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	waitUntil(t, func() bool {
		current, err := f.store.GetByID(ctx, session.ID)
		return err == nil && current.State == model.SessionStateSubmitted
	})
}

// ─── Monitor control ─────────────────────────────────────────────────

func TestApplyControlRejectsOfflineTarget(t *testing.T) {
	f := newFixture(t)
	session := f.openAndBegin(t, 7)

	err := f.svc.ApplyControl(context.Background(), session.ID, channel.ControlCommand{Type: channel.CommandPause, IssuedBy: 1})
	if !errors.Is(err, channel.ErrTargetOffline) {
		t.Fatalf("expected ErrTargetOffline, got %v", err)
	}
}

func TestForceSubmitWorksOffline(t *testing.T) {
	f := newFixture(t)
	session := f.openAndBegin(t, 7)

	err := f.svc.ApplyControl(context.Background(), session.ID, channel.ControlCommand{Type: channel.CommandForceSubmit, IssuedBy: 1})
	if err != nil {
		t.Fatalf("force submit: %v", err)
	}
	current, _ := f.store.GetByID(context.Background(), session.ID)
	if current.State != model.SessionStateSubmitted {
		t.Errorf("expected SUBMITTED, got %s", current.State)
	}
}

func TestApplyControlValidatesTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)
	f.hub.setOnline(session.ID.String())

	// Resuming a running session is not a legal move.
	err := f.svc.ApplyControl(ctx, session.ID, channel.ControlCommand{Type: channel.CommandResume, IssuedBy: 1})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Pausing an already paused session is not either.
	f.store.force(session.ID, model.SessionStatePaused)
	err = f.svc.ApplyControl(ctx, session.ID, channel.ControlCommand{Type: channel.CommandPause, IssuedBy: 1})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from PAUSED, got %v", err)
	}
}

func TestMonitorResumeUnlocksSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)
	f.hub.setOnline(session.ID.String())

	if err := f.svc.ApplyControl(ctx, session.ID, channel.ControlCommand{Type: channel.CommandLock, IssuedBy: 1}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := f.svc.ApplyControl(ctx, session.ID, channel.ControlCommand{Type: channel.CommandResume, IssuedBy: 1}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	current, _ := f.store.GetByID(ctx, session.ID)
	if current.State != model.SessionStateInProgress {
		t.Fatalf("expected IN_PROGRESS after unlock, got %s", current.State)
	}
	if f.svc.Deadlines().Active() != 1 {
		t.Error("lock/resume disturbed the armed timer")
	}
}

func TestLockBeforeBeginResumesToNotStarted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.Open(ctx, f.bank.assessment.ID, 7)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.hub.setOnline(session.ID.String())

	if err := f.svc.ApplyControl(ctx, session.ID, channel.ControlCommand{Type: channel.CommandLock, IssuedBy: 1}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.svc.Begin(ctx, session.ID, 7); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("begin while locked: expected ErrSessionNotActive, got %v", err)
	}

	// Resume restores the pre-lock state; the clock still has not started.
	if err := f.svc.ApplyControl(ctx, session.ID, channel.ControlCommand{Type: channel.CommandResume, IssuedBy: 1}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	current, _ := f.store.GetByID(ctx, session.ID)
	if current.State != model.SessionStateNotStarted {
		t.Fatalf("expected NOT_STARTED after unlock, got %s", current.State)
	}
	if current.StartedAt != nil {
		t.Error("lock/resume started the clock")
	}
}

// ─── Resync ──────────────────────────────────────────────────────────

func TestResyncReturnsAuthoritativeSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.openAndBegin(t, 7)

	if err := f.svc.SaveAnswer(ctx, session.ID, 7, f.itemA, "A"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.svc.FlagItem(ctx, session.ID, 7, f.itemB, true); err != nil {
		t.Fatalf("flag: %v", err)
	}

	snap, err := f.svc.Resync(ctx, session.ID, 7)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if snap.State != model.SessionStateInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", snap.State)
	}
	if snap.SavedAnswers[f.itemA] != "A" {
		t.Errorf("saved answers missing: %v", snap.SavedAnswers)
	}
	if len(snap.FlaggedItems) != 1 || snap.FlaggedItems[0] != f.itemB {
		t.Errorf("flags missing: %v", snap.FlaggedItems)
	}
	if snap.RemainingSeconds <= 0 || snap.RemainingSeconds > (30*time.Minute).Seconds() {
		t.Errorf("remaining seconds out of range: %v", snap.RemainingSeconds)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
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
