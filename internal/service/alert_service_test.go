package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/channel"
	"github.com/stemsi/pengawas-backend/internal/model"
)

type memAlertStore struct {
	alerts  []model.ProctoringAlert
	failing bool
}

func (m *memAlertStore) Insert(_ context.Context, a *model.ProctoringAlert) error {
	if m.failing {
		return errors.New("storage unavailable")
	}
	a.CreatedAt = time.Now()
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *memAlertStore) ListByAssessment(_ context.Context, assessmentID uuid.UUID, limit, offset int) ([]model.ProctoringAlert, int, error) {
	var out []model.ProctoringAlert
	for _, a := range m.alerts {
		if a.AssessmentID == assessmentID {
			out = append(out, a)
		}
	}
	return out, len(out), nil
}

func newAlertFixture(t *testing.T) (*AlertService, *memAlertStore, *memSessionStore, *fakeHub, *model.ExamSession) {
	t.Helper()
	store := newMemSessionStore()
	alerts := &memAlertStore{}
	hub := newFakeHub()

	session := &model.ExamSession{
		ID:            uuid.New(),
		AssessmentID:  uuid.New(),
		ParticipantID: 7,
		State:         model.SessionStateInProgress,
	}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	store.force(session.ID, model.SessionStateInProgress)

	svc := NewAlertService(alerts, store, hub, zerolog.Nop())
	return svc, alerts, store, hub, session
}

func TestReportPersistsThenPublishes(t *testing.T) {
	svc, alerts, _, hub, session := newAlertFixture(t)

	alert, err := svc.Report(context.Background(), session.ID, 7, model.ReportAlertRequest{
		Reason:   "tab_switch",
		Severity: "HIGH",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("expected one persisted alert, got %d", len(alerts.alerts))
	}
	if alert.Severity != model.AlertSeverityHigh {
		t.Errorf("expected HIGH severity, got %s", alert.Severity)
	}

	events := hub.roomEvents(channel.MonitorRoom(session.AssessmentID.String()))
	if len(events) != 1 || events[0].Type != channel.EventAlertRaised {
		t.Fatalf("monitors not notified: %v", events)
	}
}

func TestReportNeverPublishesUnpersistedAlert(t *testing.T) {
	svc, alerts, _, hub, session := newAlertFixture(t)
	alerts.failing = true

	_, err := svc.Report(context.Background(), session.ID, 7, model.ReportAlertRequest{Reason: "tab_switch"})
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure, got %v", err)
	}
	if events := hub.roomEvents(channel.MonitorRoom(session.AssessmentID.String())); len(events) != 0 {
		t.Fatalf("alert published despite failed persist: %v", events)
	}
}

func TestReportDefaultsSeverityLow(t *testing.T) {
	svc, _, _, _, session := newAlertFixture(t)

	alert, err := svc.Report(context.Background(), session.ID, 7, model.ReportAlertRequest{Reason: "window_blur"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if alert.Severity != model.AlertSeverityLow {
		t.Errorf("expected LOW default, got %s", alert.Severity)
	}
}

func TestReportRejectsForeignSession(t *testing.T) {
	svc, _, _, _, session := newAlertFixture(t)

	_, err := svc.Report(context.Background(), session.ID, 99, model.ReportAlertRequest{Reason: "tab_switch"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReportAcceptedAfterSubmit(t *testing.T) {
	svc, alerts, store, _, session := newAlertFixture(t)
	store.force(session.ID, model.SessionStateSubmitted)

	if _, err := svc.Report(context.Background(), session.ID, 7, model.ReportAlertRequest{Reason: "late_evidence"}); err != nil {
		t.Fatalf("report on terminal session: %v", err)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("late alert not persisted")
	}
}
