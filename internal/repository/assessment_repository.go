package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/pengawas-backend/internal/model"
)

// AssessmentRepository reads the item bank. Authoring is out of scope for
// this service, so the surface is read-only.
type AssessmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool *pgxpool.Pool) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// GetByID retrieves one assessment.
func (r *AssessmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a := &model.Assessment{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, shuffle_items, status, created_at, updated_at
		 FROM assessments WHERE id = $1`, id,
	).Scan(&a.ID, &a.Title, &a.DurationMinutes, &a.ShuffleItems, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListPublished retrieves every assessment currently open to participants.
// Used to prewarm the payload and answer-key caches at startup.
func (r *AssessmentRepository) ListPublished(ctx context.Context) ([]model.Assessment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, duration_minutes, shuffle_items, status, created_at, updated_at
		 FROM assessments WHERE status = $1`, model.AssessmentStatusPublished,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assessments []model.Assessment
	for rows.Next() {
		var a model.Assessment
		if err := rows.Scan(&a.ID, &a.Title, &a.DurationMinutes, &a.ShuffleItems, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}

// ListItems retrieves an assessment's items in authored order.
func (r *AssessmentRepository) ListItems(ctx context.Context, assessmentID uuid.UUID) ([]model.Item, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, assessment_id, prompt, choices, correct_value, position
		 FROM items
		 WHERE assessment_id = $1
		 ORDER BY position ASC`, assessmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.AssessmentID, &it.Prompt, &it.Choices, &it.CorrectValue, &it.Position); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// HasGrant reports whether the participant is granted access to the
// assessment.
func (r *AssessmentRepository) HasGrant(ctx context.Context, assessmentID uuid.UUID, participantID int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM access_grants
			WHERE assessment_id = $1 AND participant_id = $2
		)`, assessmentID, participantID,
	).Scan(&exists)
	return exists, err
}
