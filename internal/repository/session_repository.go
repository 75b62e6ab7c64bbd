package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/pengawas-backend/internal/model"
)

const sessionColumns = `id, assessment_id, participant_id, state, started_at, deadline_at,
	last_activity_at, submitted_at, submit_cause, final_score, correct_count, total_count, created_at`

// SessionRepository handles exam session data access. The state machine in
// the service layer is the only writer; monitor dashboards read snapshots.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(
		&s.ID, &s.AssessmentID, &s.ParticipantID, &s.State, &s.StartedAt, &s.DeadlineAt,
		&s.LastActivityAt, &s.SubmittedAt, &s.SubmitCause, &s.FinalScore, &s.CorrectCount,
		&s.TotalCount, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id,
	))
}

// GetOpenByParticipant retrieves the participant's non-terminal session for
// an assessment, if any.
func (r *SessionRepository) GetOpenByParticipant(ctx context.Context, assessmentID uuid.UUID, participantID int) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE assessment_id = $1 AND participant_id = $2 AND state <> $3`,
		assessmentID, participantID, model.SessionStateSubmitted,
	))
}

// HasTerminal reports whether the participant already has a submitted
// session for the assessment.
func (r *SessionRepository) HasTerminal(ctx context.Context, assessmentID uuid.UUID, participantID int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM exam_sessions
			WHERE assessment_id = $1 AND participant_id = $2 AND state = $3
		)`, assessmentID, participantID, model.SessionStateSubmitted,
	).Scan(&exists)
	return exists, err
}

// Create inserts a new NOT_STARTED session. The partial unique index on
// (participant_id, assessment_id) for non-terminal sessions makes a
// concurrent open race resolve to a single row; the loser gets no row back.
func (r *SessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (id, assessment_id, participant_id, state)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING
		 RETURNING created_at, last_activity_at`,
		s.ID, s.AssessmentID, s.ParticipantID, model.SessionStateNotStarted,
	).Scan(&s.CreatedAt, &s.LastActivityAt)
}

// Begin stamps started_at/deadline_at and moves the session to IN_PROGRESS.
// Only applies to NOT_STARTED rows so a duplicate begin cannot move the clock.
func (r *SessionRepository) Begin(ctx context.Context, id uuid.UUID, startedAt, deadlineAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET state = $1, started_at = $2, deadline_at = $3, last_activity_at = $2
		 WHERE id = $4 AND state = $5`,
		model.SessionStateInProgress, startedAt, deadlineAt, id, model.SessionStateNotStarted,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateState transitions a session between non-terminal states.
func (r *SessionRepository) UpdateState(ctx context.Context, id uuid.UUID, from, to model.SessionState) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET state = $1, last_activity_at = NOW()
		 WHERE id = $2 AND state = $3`,
		to, id, from,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// TouchActivity bumps last_activity_at, used by autosave.
func (r *SessionRepository) TouchActivity(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET last_activity_at = NOW() WHERE id = $1`, id)
	return err
}

// Complete marks a session terminal with its score. Guarded by state so the
// terminal row can only ever be written once.
func (r *SessionRepository) Complete(ctx context.Context, id uuid.UUID, cause model.SubmitCause, score float64, correct, total int, submittedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET state = $1, submit_cause = $2, final_score = $3, correct_count = $4,
		     total_count = $5, submitted_at = $6, last_activity_at = $6
		 WHERE id = $7 AND state <> $1`,
		model.SessionStateSubmitted, cause, score, correct, total, submittedAt, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListByAssessment retrieves all sessions of an assessment for monitor views.
func (r *SessionRepository) ListByAssessment(ctx context.Context, assessmentID uuid.UUID) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE assessment_id = $1
		 ORDER BY created_at ASC`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ListActive retrieves every non-terminal IN_PROGRESS session that has a
// deadline. Used by the recovery sweep after a restart.
func (r *SessionRepository) ListActive(ctx context.Context) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE state <> $1 AND deadline_at IS NOT NULL`,
		model.SessionStateSubmitted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// IsNotFound reports whether err means the queried row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
