package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/pengawas-backend/internal/model"
)

// AnswerRepository persists per-item answer records.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert writes a single answer record, last write wins.
func (r *AnswerRepository) Upsert(ctx context.Context, rec *model.AnswerRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO answer_records (session_id, item_id, selected_value, flagged, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, item_id)
		 DO UPDATE SET selected_value = EXCLUDED.selected_value,
		               flagged = EXCLUDED.flagged,
		               updated_at = EXCLUDED.updated_at`,
		rec.SessionID, rec.ItemID, rec.SelectedValue, rec.Flagged, rec.UpdatedAt,
	)
	return err
}

// UpsertBatch writes a session's answers in one transaction, so the final
// answer set either lands in full or not at all.
func (r *AnswerRepository) UpsertBatch(ctx context.Context, sessionID uuid.UUID, answers map[string]string, at time.Time) error {
	if len(answers) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for itemID, value := range answers {
		batch.Queue(
			`INSERT INTO answer_records (session_id, item_id, selected_value, flagged, updated_at)
			 VALUES ($1, $2, $3, false, $4)
			 ON CONFLICT (session_id, item_id)
			 DO UPDATE SET selected_value = EXCLUDED.selected_value,
			               updated_at = EXCLUDED.updated_at`,
			sessionID, itemID, value, at,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range answers {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// LoadBySession retrieves every answer record of a session.
func (r *AnswerRepository) LoadBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, item_id, selected_value, flagged, updated_at
		 FROM answer_records
		 WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AnswerRecord
	for rows.Next() {
		var rec model.AnswerRecord
		if err := rows.Scan(&rec.SessionID, &rec.ItemID, &rec.SelectedValue, &rec.Flagged, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountAnsweredByAssessment aggregates answered-item counts per session for
// the monitor progress view.
func (r *AnswerRepository) CountAnsweredByAssessment(ctx context.Context, assessmentID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ar.session_id, COUNT(*)
		 FROM answer_records ar
		 JOIN exam_sessions es ON es.id = ar.session_id
		 WHERE es.assessment_id = $1 AND ar.selected_value <> ''
		 GROUP BY ar.session_id`, assessmentID,
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
