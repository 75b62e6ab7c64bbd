package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/pengawas-backend/internal/model"
)

// AlertRepository persists proctoring alerts. The table is append-only;
// alerts are evidence and are never updated or deleted.
type AlertRepository struct {
	pool *pgxpool.Pool
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(pool *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

// Insert appends an alert and fills in its server-assigned fields.
func (r *AlertRepository) Insert(ctx context.Context, a *model.ProctoringAlert) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO proctoring_alerts (id, session_id, assessment_id, reason, evidence_ref, severity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		a.ID, a.SessionID, a.AssessmentID, a.Reason, a.EvidenceRef, a.Severity,
	).Scan(&a.CreatedAt)
}

// ListByAssessment retrieves alerts of an assessment, newest first.
func (r *AlertRepository) ListByAssessment(ctx context.Context, assessmentID uuid.UUID, limit, offset int) ([]model.ProctoringAlert, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM proctoring_alerts WHERE assessment_id = $1`, assessmentID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, assessment_id, reason, evidence_ref, severity, created_at
		 FROM proctoring_alerts
		 WHERE assessment_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, assessmentID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var alerts []model.ProctoringAlert
	for rows.Next() {
		var a model.ProctoringAlert
		if err := rows.Scan(&a.ID, &a.SessionID, &a.AssessmentID, &a.Reason, &a.EvidenceRef, &a.Severity, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		alerts = append(alerts, a)
	}
	return alerts, total, rows.Err()
}

// CountByAssessment aggregates alert counts per session for monitor views.
func (r *AlertRepository) CountByAssessment(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, COUNT(*)
		 FROM proctoring_alerts
		 WHERE assessment_id = $1
		 GROUP BY session_id`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var sessionID uuid.UUID
		var n int
		if err := rows.Scan(&sessionID, &n); err != nil {
			return nil, err
		}
		counts[sessionID] = n
	}
	return counts, rows.Err()
}
