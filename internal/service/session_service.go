package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/repository"
	"github.com/stemsi/pengawas-backend/internal/scoring"
)

// expiryTimeout bounds the work done by a deadline firing in the background.
const expiryTimeout = 30 * time.Second

// expiryRetryDelay spaces re-arms of a deadline whose submit could not
// persist. Variable so tests can shorten it.
var expiryRetryDelay = 5 * time.Second

// SessionStore is the persistence surface the state machine drives.
// *repository.SessionRepository implements it; tests use in-memory fakes.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetOpenByParticipant(ctx context.Context, assessmentID uuid.UUID, participantID int) (*model.ExamSession, error)
	HasTerminal(ctx context.Context, assessmentID uuid.UUID, participantID int) (bool, error)
	Create(ctx context.Context, s *model.ExamSession) error
	Begin(ctx context.Context, id uuid.UUID, startedAt, deadlineAt time.Time) error
	UpdateState(ctx context.Context, id uuid.UUID, from, to model.SessionState) error
	TouchActivity(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, cause model.SubmitCause, score float64, correct, total int, submittedAt time.Time) error
	ListActive(ctx context.Context) ([]model.ExamSession, error)
}

// AnswerStore persists answer records durably.
type AnswerStore interface {
	UpsertBatch(ctx context.Context, sessionID uuid.UUID, answers map[string]string, at time.Time) error
	LoadBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error)
}

// ItemBank resolves assessment metadata and answer keys, normally backed by
// the cached AssessmentService.
type ItemBank interface {
	AssessmentByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error)
	AnswerKey(ctx context.Context, assessmentID uuid.UUID) (map[string]string, error)
	Duration(ctx context.Context, assessmentID uuid.UUID) (time.Duration, error)
}

// AccessChecker answers whether a participant may attempt an assessment.
type AccessChecker interface {
	HasGrant(ctx context.Context, assessmentID uuid.UUID, participantID int) (bool, error)
}

// AnswerCache is the fast autosave tier in front of the answer store.
type AnswerCache interface {
	SaveAnswer(ctx context.Context, sessionID uuid.UUID, itemID, value string) error
	SetFlag(ctx context.Context, sessionID uuid.UUID, itemID string, flagged bool) error
	Answers(ctx context.Context, sessionID uuid.UUID) (map[string]string, error)
	Flags(ctx context.Context, sessionID uuid.UUID) ([]string, error)
	EnqueuePersist(ctx context.Context, rec model.AnswerRecord) error
	Clear(ctx context.Context, sessionID uuid.UUID) error
}

// Publisher is the slice of the channel hub the state machine publishes
// through.
type Publisher interface {
	Publish(room string, ev channel.Event) int
	SendControl(sessionID string, ev channel.Event) error
	RoomSize(room string) int
}

// validTransitions enumerates every legal non-terminal move. SUBMITTED has
// no outgoing edges. A lock may land from any non-terminal state; it exits
// only through a monitor resume (restoring whichever state it interrupted)
// or a submit.
var validTransitions = map[model.SessionState][]model.SessionState{
	model.SessionStateNotStarted: {model.SessionStateInProgress, model.SessionStateLocked},
	model.SessionStateInProgress: {model.SessionStatePaused, model.SessionStateLocked, model.SessionStateSubmitted},
	model.SessionStatePaused:     {model.SessionStateInProgress, model.SessionStateLocked, model.SessionStateSubmitted},
	model.SessionStateLocked:     {model.SessionStateNotStarted, model.SessionStateInProgress, model.SessionStateSubmitted},
}

func canTransition(from, to model.SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionService is the session state machine. Every mutation of one session
// runs under that session's own mutex, so concurrent submits, deadline
// firings, and monitor commands serialize per session without contending
// across sessions.
type SessionService struct {
	sessions  SessionStore
	answers   AnswerStore
	bank      ItemBank
	access    AccessChecker
	cache     AnswerCache
	hub       Publisher
	deadlines *DeadlineManager
	log       zerolog.Logger

	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// NewSessionService wires the state machine and its deadline manager.
func NewSessionService(
	sessions SessionStore,
	answers AnswerStore,
	bank ItemBank,
	access AccessChecker,
	cache AnswerCache,
	hub Publisher,
	log zerolog.Logger,
) *SessionService {
	s := &SessionService{
		sessions: sessions,
		answers:  answers,
		bank:     bank,
		access:   access,
		cache:    cache,
		hub:      hub,
		log:      log.With().Str("component", "session_service").Logger(),
	}
	s.deadlines = NewDeadlineManager(s.handleExpiry, log)
	return s
}

// Deadlines exposes the manager for shutdown and tests.
func (s *SessionService) Deadlines() *DeadlineManager {
	return s.deadlines
}

func (s *SessionService) lockSession(id uuid.UUID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ─── Open ────────────────────────────────────────────────────────────

// Open creates (or returns the existing) NOT_STARTED session for the
// participant. The clock does not run until Begin.
func (s *SessionService) Open(ctx context.Context, assessmentID uuid.UUID, participantID int) (*model.ExamSession, error) {
	assessment, err := s.bank.AssessmentByID(ctx, assessmentID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrAssessmentNotOpen
		}
		return nil, fmt.Errorf("load assessment: %w", err)
	}
	if assessment.Status != model.AssessmentStatusPublished {
		return nil, ErrAssessmentNotOpen
	}

	granted, err := s.access.HasGrant(ctx, assessmentID, participantID)
	if err != nil {
		return nil, fmt.Errorf("check grant: %w", err)
	}
	if !granted {
		return nil, ErrNotEligible
	}

	done, err := s.sessions.HasTerminal(ctx, assessmentID, participantID)
	if err != nil {
		return nil, fmt.Errorf("check completion: %w", err)
	}
	if done {
		return nil, ErrAlreadyCompleted
	}

	if existing, err := s.sessions.GetOpenByParticipant(ctx, assessmentID, participantID); err == nil {
		return existing, nil
	} else if !repository.IsNotFound(err) {
		return nil, fmt.Errorf("load open session: %w", err)
	}

	session := &model.ExamSession{
		ID:            uuid.New(),
		AssessmentID:  assessmentID,
		ParticipantID: participantID,
		State:         model.SessionStateNotStarted,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		// A concurrent open won the partial unique index; hand back its row.
		if repository.IsNotFound(err) {
			return s.sessions.GetOpenByParticipant(ctx, assessmentID, participantID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.log.Info().
		Str("session_id", session.ID.String()).
		Str("assessment_id", assessmentID.String()).
		Int("participant_id", participantID).
		Msg("Session opened")
	return session, nil
}

// ─── Begin ───────────────────────────────────────────────────────────

// Begin starts the clock: stamps started_at, fixes the deadline, and arms
// the timer. Calling it on an already started session returns the session
// unchanged, deadline included.
func (s *SessionService) Begin(ctx context.Context, sessionID uuid.UUID, participantID int) (*model.ExamSession, error) {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.ownedSession(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}

	if session.State == model.SessionStateSubmitted {
		return nil, ErrAlreadyCompleted
	}
	if session.StartedAt != nil {
		return session, nil
	}
	// Locked before the clock started; a monitor resume must unlock first.
	if session.State == model.SessionStateLocked {
		return nil, ErrSessionNotActive
	}

	duration, err := s.bank.Duration(ctx, session.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("resolve duration: %w", err)
	}

	now := time.Now()
	deadline := now.Add(duration)
	if err := s.sessions.Begin(ctx, sessionID, now, deadline); err != nil {
		if repository.IsNotFound(err) {
			// Lost a begin race outside this process; re-read the winner.
			return s.ownedSession(ctx, sessionID, participantID)
		}
		return nil, fmt.Errorf("begin session: %w", err)
	}

	session.State = model.SessionStateInProgress
	session.StartedAt = &now
	session.DeadlineAt = &deadline
	session.LastActivityAt = now

	s.deadlines.Register(sessionID, deadline)
	s.publishStatus(session, "")

	s.log.Info().
		Str("session_id", sessionID.String()).
		Time("deadline_at", deadline).
		Msg("Session started")
	return session, nil
}

// ─── Autosave ────────────────────────────────────────────────────────

// SaveAnswer records one answer in the cache tier and queues its durable
// write. Only IN_PROGRESS sessions accept answers.
func (s *SessionService) SaveAnswer(ctx context.Context, sessionID uuid.UUID, participantID int, itemID, value string) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.ownedSession(ctx, sessionID, participantID)
	if err != nil {
		return err
	}
	if session.State != model.SessionStateInProgress {
		return ErrSessionNotActive
	}

	itemUUID, err := uuid.Parse(itemID)
	if err != nil {
		return fmt.Errorf("invalid item id: %w", err)
	}

	if err := s.cache.SaveAnswer(ctx, sessionID, itemID, value); err != nil {
		return fmt.Errorf("cache answer: %w", err)
	}
	rec := model.AnswerRecord{
		SessionID:     sessionID,
		ItemID:        itemUUID,
		SelectedValue: value,
		UpdatedAt:     time.Now(),
	}
	if err := s.cache.EnqueuePersist(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to queue answer persist")
	}
	if err := s.sessions.TouchActivity(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to touch activity")
	}
	return nil
}

// FlagItem toggles the participant's review flag for an item.
func (s *SessionService) FlagItem(ctx context.Context, sessionID uuid.UUID, participantID int, itemID string, flagged bool) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.ownedSession(ctx, sessionID, participantID)
	if err != nil {
		return err
	}
	if session.State != model.SessionStateInProgress {
		return ErrSessionNotActive
	}
	return s.cache.SetFlag(ctx, sessionID, itemID, flagged)
}

// ─── Submit ──────────────────────────────────────────────────────────

// Submit finalizes a session exactly once. The merged answer set and the
// terminal row are persisted before any in-memory state changes; a submit
// on an already terminal session returns the stored receipt unchanged.
func (s *SessionService) Submit(ctx context.Context, sessionID uuid.UUID, cause model.SubmitCause, explicit map[string]string) (*model.SubmitReceipt, error) {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	if session.State == model.SessionStateSubmitted {
		return receiptFrom(session), nil
	}

	// Every cause finalizes from IN_PROGRESS, PAUSED, or LOCKED;
	// NOT_STARTED has no path to SUBMITTED.
	if !canTransition(session.State, model.SessionStateSubmitted) {
		return nil, ErrInvalidTransition
	}

	merged, err := s.collectAnswers(ctx, sessionID, explicit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	now := time.Now()
	if err := s.answers.UpsertBatch(ctx, sessionID, merged, now); err != nil {
		// Session stays live; the caller may retry.
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	key, err := s.bank.AnswerKey(ctx, session.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	result := scoring.Score(merged, key)

	if err := s.sessions.Complete(ctx, sessionID, cause, result.Percent, result.CorrectCount, result.TotalCount, now); err != nil {
		if repository.IsNotFound(err) {
			// Another process finalized first; surface its receipt.
			if final, ferr := s.sessions.GetByID(ctx, sessionID); ferr == nil && final.State == model.SessionStateSubmitted {
				return receiptFrom(final), nil
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	// Only after the terminal row is durable.
	s.deadlines.Cancel(sessionID)
	if err := s.cache.Clear(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to clear answer cache")
	}

	session.State = model.SessionStateSubmitted
	session.SubmitCause = &cause
	session.FinalScore = &result.Percent
	session.CorrectCount = &result.CorrectCount
	session.TotalCount = &result.TotalCount
	session.SubmittedAt = &now

	receipt := receiptFrom(session)
	s.hub.Publish(channel.ParticipantRoom(sessionID.String()), channel.Event{
		Type:      channel.EventGraded,
		SessionID: sessionID.String(),
		Cause:     string(cause),
		Data:      receipt,
	})
	s.publishStatus(session, string(cause))

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("cause", string(cause)).
		Float64("score", result.Percent).
		Msg("Session submitted")
	return receipt, nil
}

// collectAnswers merges the cached autosave tier with the final explicit
// payload; explicit answers win. A cache miss self-heals from the durable
// store.
func (s *SessionService) collectAnswers(ctx context.Context, sessionID uuid.UUID, explicit map[string]string) (map[string]string, error) {
	merged, err := s.cache.Answers(ctx, sessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Answer cache unavailable, rebuilding from store")
		records, derr := s.answers.LoadBySession(ctx, sessionID)
		if derr != nil {
			return nil, derr
		}
		merged = make(map[string]string, len(records))
		for _, rec := range records {
			merged[rec.ItemID.String()] = rec.SelectedValue
		}
	}
	if merged == nil {
		merged = make(map[string]string)
	}
	for itemID, value := range explicit {
		merged[itemID] = value
	}
	return merged, nil
}

func receiptFrom(session *model.ExamSession) *model.SubmitReceipt {
	r := &model.SubmitReceipt{SessionID: session.ID}
	if session.FinalScore != nil {
		r.Score = *session.FinalScore
	}
	if session.CorrectCount != nil {
		r.CorrectCount = *session.CorrectCount
	}
	if session.TotalCount != nil {
		r.TotalCount = *session.TotalCount
	}
	if session.SubmittedAt != nil {
		r.SubmittedAt = *session.SubmittedAt
	}
	if session.SubmitCause != nil {
		r.Cause = *session.SubmitCause
	}
	return r
}

// ─── Deadline expiry ─────────────────────────────────────────────────

// handleExpiry runs on the deadline manager's timer goroutine. The deadline
// finalizes from any non-terminal state; a submit that raced ahead is
// absorbed by idempotency.
func (s *SessionService) handleExpiry(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
	defer cancel()

	if _, err := s.Submit(ctx, sessionID, model.SubmitCauseDeadlineExpired, nil); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Deadline expiry submit failed")
		// The session is still non-terminal; re-arm so the expiry retries
		// once the store recovers.
		if errors.Is(err, ErrPersistenceFailure) {
			s.deadlines.Register(sessionID, time.Now().Add(expiryRetryDelay))
		}
		return
	}
	if err := s.hub.SendControl(sessionID.String(), channel.Event{
		Type:      channel.EventForceSubmitNotice,
		SessionID: sessionID.String(),
		Cause:     string(model.SubmitCauseDeadlineExpired),
	}); err != nil {
		s.log.Debug().Str("session_id", sessionID.String()).Msg("Expired session had no live connection")
	}
}

// RecoverDeadlines re-arms timers for sessions that were running when the
// process last stopped. Deadlines already in the past submit immediately.
func (s *SessionService) RecoverDeadlines(ctx context.Context) error {
	active, err := s.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	recovered := 0
	for _, session := range active {
		if session.DeadlineAt == nil {
			continue
		}
		s.deadlines.Register(session.ID, *session.DeadlineAt)
		recovered++
	}

	s.log.Info().Int("sessions", recovered).Msg("Recovered session deadlines")
	return nil
}

// ─── Monitor control ─────────────────────────────────────────────────

// ApplyControl executes a monitor command against the target session.
// Pause, resume, and lock require a live participant connection; force
// submit is server-side and works regardless.
func (s *SessionService) ApplyControl(ctx context.Context, sessionID uuid.UUID, cmd channel.ControlCommand) error {
	if cmd.Type == channel.CommandForceSubmit {
		_, err := s.Submit(ctx, sessionID, model.SubmitCauseMonitorForced, nil)
		return err
	}

	var target model.SessionState
	switch cmd.Type {
	case channel.CommandPause:
		target = model.SessionStatePaused
	case channel.CommandResume:
		target = model.SessionStateInProgress
	case channel.CommandLock:
		target = model.SessionStateLocked
	default:
		return ErrInvalidTransition
	}

	if s.hub.RoomSize(channel.ParticipantRoom(sessionID.String())) == 0 {
		return channel.ErrTargetOffline
	}

	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if repository.IsNotFound(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	if session.State == model.SessionStateSubmitted {
		return ErrAlreadyCompleted
	}
	// A lock can land before the clock starts; resuming such a session
	// restores NOT_STARTED instead of starting it.
	if cmd.Type == channel.CommandResume && session.StartedAt == nil {
		target = model.SessionStateNotStarted
	}
	if !canTransition(session.State, target) {
		return ErrInvalidTransition
	}

	if err := s.sessions.UpdateState(ctx, sessionID, session.State, target); err != nil {
		if repository.IsNotFound(err) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("update state: %w", err)
	}
	session.State = target

	// Pausing never extends the deadline; the timer keeps running.
	ev := channel.Event{
		Type:      channel.EventControl,
		SessionID: sessionID.String(),
		State:     string(target),
		Message:   cmd.Payload,
	}
	if err := s.hub.SendControl(sessionID.String(), ev); err != nil {
		s.log.Warn().Str("session_id", sessionID.String()).Msg("Participant disconnected mid-command")
	}
	s.publishStatus(session, "")

	s.log.Info().
		Str("session_id", sessionID.String()).
		Str("command", string(cmd.Type)).
		Int("issued_by", cmd.IssuedBy).
		Msg("Control command applied")
	return nil
}

// ─── Reads ───────────────────────────────────────────────────────────

// GetOwned retrieves a session if it belongs to the participant.
func (s *SessionService) GetOwned(ctx context.Context, sessionID uuid.UUID, participantID int) (*model.ExamSession, error) {
	return s.ownedSession(ctx, sessionID, participantID)
}

// Resync builds the authoritative snapshot a reconnecting client replaces
// its local state with. Missed channel events are never replayed.
func (s *SessionService) Resync(ctx context.Context, sessionID uuid.UUID, participantID int) (*model.SessionResync, error) {
	session, err := s.ownedSession(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}

	answers, err := s.collectAnswers(ctx, sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("collect answers: %w", err)
	}
	flags, err := s.cache.Flags(ctx, sessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Flag cache unavailable")
		flags = nil
	}

	resync := &model.SessionResync{
		SessionID:    session.ID,
		AssessmentID: session.AssessmentID,
		State:        session.State,
		SavedAnswers: answers,
		FlaggedItems: flags,
	}
	if session.DeadlineAt != nil && !session.State.IsTerminal() {
		if remaining := time.Until(*session.DeadlineAt); remaining > 0 {
			resync.RemainingSeconds = remaining.Seconds()
		}
	}
	return resync, nil
}

func (s *SessionService) ownedSession(ctx context.Context, sessionID uuid.UUID, participantID int) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.ParticipantID != participantID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionService) publishStatus(session *model.ExamSession, cause string) {
	s.hub.Publish(channel.MonitorRoom(session.AssessmentID.String()), channel.Event{
		Type:         channel.EventSessionStatus,
		SessionID:    session.ID.String(),
		AssessmentID: session.AssessmentID.String(),
		State:        string(session.State),
		Cause:        cause,
	})
}
