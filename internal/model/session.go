package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates exam session states.
type SessionState string

const (
	SessionStateNotStarted SessionState = "NOT_STARTED"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStatePaused     SessionState = "PAUSED"
	SessionStateLocked     SessionState = "LOCKED"
	SessionStateSubmitted  SessionState = "SUBMITTED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateSubmitted
}

// SubmitCause records what triggered a session's submission.
type SubmitCause string

const (
	SubmitCauseExplicit        SubmitCause = "EXPLICIT"
	SubmitCauseDeadlineExpired SubmitCause = "DEADLINE_EXPIRED"
	SubmitCauseMonitorForced   SubmitCause = "MONITOR_FORCED"
)

// ExamSession represents one participant's attempt at one assessment.
// Mutated only by the session service; DeadlineAt is computed once at begin
// and never changes for the life of the session.
type ExamSession struct {
	ID             uuid.UUID    `json:"id"`
	AssessmentID   uuid.UUID    `json:"assessment_id"`
	ParticipantID  int          `json:"participant_id"`
	State          SessionState `json:"state"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	DeadlineAt     *time.Time   `json:"deadline_at,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	SubmittedAt    *time.Time   `json:"submitted_at,omitempty"`
	SubmitCause    *SubmitCause `json:"submit_cause,omitempty"`
	FinalScore     *float64     `json:"final_score,omitempty"`
	CorrectCount   *int         `json:"correct_count,omitempty"`
	TotalCount     *int         `json:"total_count,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SubmitReceipt is the terminal result returned by every submit call on a
// session, including duplicates absorbed by idempotency.
type SubmitReceipt struct {
	SessionID    uuid.UUID   `json:"session_id"`
	Score        float64     `json:"score"`
	CorrectCount int         `json:"correct_count"`
	TotalCount   int         `json:"total_count"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	Cause        SubmitCause `json:"cause"`
}

// SessionResync is the authoritative snapshot a client fetches on (re)connect
// instead of relying on stream replay.
type SessionResync struct {
	SessionID        uuid.UUID         `json:"session_id"`
	AssessmentID     uuid.UUID         `json:"assessment_id"`
	State            SessionState      `json:"state"`
	RemainingSeconds float64           `json:"remaining_seconds"`
	SavedAnswers     map[string]string `json:"saved_answers"`
	FlaggedItems     []string          `json:"flagged_items"`
}

// SubmitRequest is the payload for an explicit participant submit.
type SubmitRequest struct {
	Answers map[string]string `json:"answers" binding:"omitempty"`
}
