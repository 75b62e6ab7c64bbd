package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/repository"
)

// AlertStore persists proctoring alerts.
type AlertStore interface {
	Insert(ctx context.Context, a *model.ProctoringAlert) error
	ListByAssessment(ctx context.Context, assessmentID uuid.UUID, limit, offset int) ([]model.ProctoringAlert, int, error)
}

// AlertService runs the alert pipeline: validate, persist, then notify the
// monitors. An alert that cannot be persisted is never published; evidence
// must not exist only in memory.
type AlertService struct {
	alerts   AlertStore
	sessions SessionStore
	hub      Publisher
	log      zerolog.Logger
}

// NewAlertService creates a new AlertService.
func NewAlertService(alerts AlertStore, sessions SessionStore, hub Publisher, log zerolog.Logger) *AlertService {
	return &AlertService{
		alerts:   alerts,
		sessions: sessions,
		hub:      hub,
		log:      log.With().Str("component", "alert_service").Logger(),
	}
}

// Report records a suspicious-activity alert against the participant's own
// session and fans it out to the assessment's monitor room. Terminal
// sessions still accept alerts; late evidence is evidence.
func (s *AlertService) Report(ctx context.Context, sessionID uuid.UUID, participantID int, req model.ReportAlertRequest) (*model.ProctoringAlert, error) {
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

	severity := model.AlertSeverity(req.Severity)
	if severity == "" {
		severity = model.AlertSeverityLow
	}

	alert := &model.ProctoringAlert{
		ID:           uuid.New(),
		SessionID:    sessionID,
		AssessmentID: session.AssessmentID,
		Reason:       req.Reason,
		EvidenceRef:  req.EvidenceRef,
		Severity:     severity,
	}
	if err := s.alerts.Insert(ctx, alert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	s.hub.Publish(channel.MonitorRoom(session.AssessmentID.String()), channel.Event{
		Type:         channel.EventAlertRaised,
		SessionID:    sessionID.String(),
		AssessmentID: session.AssessmentID.String(),
		Data:         alert,
	})

	s.log.Info().
		Str("alert_id", alert.ID.String()).
		Str("session_id", sessionID.String()).
		Str("severity", string(severity)).
		Msg("Proctoring alert recorded")
	return alert, nil
}

// List retrieves an assessment's alert history for monitors, newest first.
func (s *AlertService) List(ctx context.Context, assessmentID uuid.UUID, limit, offset int) ([]model.ProctoringAlert, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.alerts.ListByAssessment(ctx, assessmentID, limit, offset)
}
