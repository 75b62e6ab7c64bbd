package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerRecord is one participant's current answer to one item within one
// session. At most one record per (session, item); last write wins.
type AnswerRecord struct {
	SessionID     uuid.UUID `json:"session_id"`
	ItemID        uuid.UUID `json:"item_id"`
	SelectedValue string    `json:"selected_value"`
	Flagged       bool      `json:"flagged"`
	UpdatedAt     time.Time `json:"updated_at"`
}
