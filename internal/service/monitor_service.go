package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/repository"
)

// SessionOverview is one row of the monitor roster.
type SessionOverview struct {
	SessionID     uuid.UUID          `json:"session_id"`
	ParticipantID int                `json:"participant_id"`
	State         model.SessionState `json:"state"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	DeadlineAt    *time.Time         `json:"deadline_at,omitempty"`
	LastActivity  time.Time          `json:"last_activity_at"`
	AnsweredCount int                `json:"answered_count"`
	AlertCount    int                `json:"alert_count"`
	Online        bool               `json:"online"`
	FinalScore    *float64           `json:"final_score,omitempty"`
}

// MonitorService assembles the live roster monitors watch and carries
// room-wide announcements.
type MonitorService struct {
	sessions *repository.SessionRepository
	answers  *repository.AnswerRepository
	alerts   *repository.AlertRepository
	hub      Publisher
	log      zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(
	sessions *repository.SessionRepository,
	answers *repository.AnswerRepository,
	alerts *repository.AlertRepository,
	hub Publisher,
	log zerolog.Logger,
) *MonitorService {
	return &MonitorService{
		sessions: sessions,
		answers:  answers,
		alerts:   alerts,
		hub:      hub,
		log:      log.With().Str("component", "monitor_service").Logger(),
	}
}

// Roster lists every session of the assessment with progress and alert
// counts. The three queries run concurrently; the hub answers liveness.
func (s *MonitorService) Roster(ctx context.Context, assessmentID uuid.UUID) ([]SessionOverview, error) {
	var (
		wg          sync.WaitGroup
		sessions    []model.ExamSession
		answered    map[uuid.UUID]int
		alertCounts map[uuid.UUID]int
		sessionsErr error
		answeredErr error
		alertsErr   error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		sessions, sessionsErr = s.sessions.ListByAssessment(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		answered, answeredErr = s.answers.CountAnsweredByAssessment(ctx, assessmentID)
	}()
	go func() {
		defer wg.Done()
		alertCounts, alertsErr = s.alerts.CountByAssessment(ctx, assessmentID)
	}()
	wg.Wait()

	if sessionsErr != nil {
		return nil, fmt.Errorf("list sessions: %w", sessionsErr)
	}
	if answeredErr != nil {
		return nil, fmt.Errorf("count answers: %w", answeredErr)
	}
	if alertsErr != nil {
		return nil, fmt.Errorf("count alerts: %w", alertsErr)
	}

	roster := make([]SessionOverview, 0, len(sessions))
	for _, sess := range sessions {
		roster = append(roster, SessionOverview{
			SessionID:     sess.ID,
			ParticipantID: sess.ParticipantID,
			State:         sess.State,
			StartedAt:     sess.StartedAt,
			DeadlineAt:    sess.DeadlineAt,
			LastActivity:  sess.LastActivityAt,
			AnsweredCount: answered[sess.ID],
			AlertCount:    alertCounts[sess.ID],
			Online:        s.hub.RoomSize(channel.ParticipantRoom(sess.ID.String())) > 0,
			FinalScore:    sess.FinalScore,
		})
	}
	return roster, nil
}

// Broadcast delivers an announcement to every connected participant of the
// assessment. Offline participants simply miss it; announcements are not
// persisted.
func (s *MonitorService) Broadcast(ctx context.Context, assessmentID uuid.UUID, issuedBy int, message string) (int, error) {
	sessions, err := s.sessions.ListByAssessment(ctx, assessmentID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	ev := channel.Event{
		Type:         channel.EventBroadcast,
		AssessmentID: assessmentID.String(),
		Message:      message,
	}
	reached := 0
	for _, sess := range sessions {
		if sess.State.IsTerminal() {
			continue
		}
		reached += s.hub.Publish(channel.ParticipantRoom(sess.ID.String()), ev)
	}

	s.log.Info().
		Str("assessment_id", assessmentID.String()).
		Int("issued_by", issuedBy).
		Int("reached", reached).
		Msg("Broadcast delivered")
	return reached, nil
}
