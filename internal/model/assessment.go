package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AssessmentStatus enumerates the possible states of an assessment.
type AssessmentStatus string

const (
	AssessmentStatusDraft     AssessmentStatus = "DRAFT"
	AssessmentStatusPublished AssessmentStatus = "PUBLISHED"
	AssessmentStatusClosed    AssessmentStatus = "CLOSED"
)

// Assessment represents one timed, proctored assessment.
type Assessment struct {
	ID              uuid.UUID        `json:"id"`
	Title           string           `json:"title"`
	DurationMinutes int              `json:"duration_minutes"`
	ShuffleItems    bool             `json:"shuffle_items"`
	Status          AssessmentStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Item is a single question within an assessment, including its key.
// Never serialized to participants as-is.
type Item struct {
	ID           uuid.UUID       `json:"id"`
	AssessmentID uuid.UUID       `json:"assessment_id"`
	Prompt       string          `json:"prompt"`
	Choices      json.RawMessage `json:"choices"`
	CorrectValue string          `json:"correct_value"`
	Position     int             `json:"position"`
}

// ItemForParticipant is an item without the correct value, sent to participants.
type ItemForParticipant struct {
	ID       uuid.UUID       `json:"id"`
	Prompt   string          `json:"prompt"`
	Choices  json.RawMessage `json:"choices"`
	Position int             `json:"position"`
}

// AssessmentPayload is the Redis-cached payload sent to participants (no correct answers).
type AssessmentPayload struct {
	AssessmentID uuid.UUID            `json:"assessment_id"`
	Title        string               `json:"title"`
	Duration     int                  `json:"duration_minutes"`
	Items        []ItemForParticipant `json:"items"`
}
