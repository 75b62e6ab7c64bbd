package model

import (
	"time"

	"github.com/google/uuid"
)

// AlertSeverity grades how suspicious a reported event is.
type AlertSeverity string

const (
	AlertSeverityLow    AlertSeverity = "LOW"
	AlertSeverityMedium AlertSeverity = "MEDIUM"
	AlertSeverityHigh   AlertSeverity = "HIGH"
)

// ProctoringAlert is an immutable record of one suspicious-activity report.
type ProctoringAlert struct {
	ID           uuid.UUID     `json:"id"`
	SessionID    uuid.UUID     `json:"session_id"`
	AssessmentID uuid.UUID     `json:"assessment_id"`
	Reason       string        `json:"reason"`
	EvidenceRef  *string       `json:"evidence_ref,omitempty"`
	Severity     AlertSeverity `json:"severity"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ReportAlertRequest is the payload for a participant alert report.
type ReportAlertRequest struct {
	Reason      string  `json:"reason" binding:"required,min=2,max=255"`
	EvidenceRef *string `json:"evidence_ref" binding:"omitempty,max=512"`
	Severity    string  `json:"severity" binding:"omitempty,oneof=LOW MEDIUM HIGH"`
}

// CommandRequest is the payload for a monitor control command.
type CommandRequest struct {
	Type    string `json:"type" binding:"required,oneof=pause resume lock force_submit"`
	Payload string `json:"payload" binding:"omitempty,max=512"`
}

// BroadcastRequest is the payload for a monitor room-wide announcement.
type BroadcastRequest struct {
	Message string `json:"message" binding:"required,min=1,max=512"`
}
