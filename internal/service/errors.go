package service

import "errors"

// Sentinel errors surfaced by the service layer. Handlers map these onto
// response error codes.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrAssessmentNotOpen  = errors.New("assessment is not open for attempts")
	ErrNotEligible        = errors.New("participant is not eligible for this assessment")
	ErrAlreadyCompleted   = errors.New("participant already completed this assessment")
	ErrSessionNotActive   = errors.New("session is not accepting answers")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrPersistenceFailure = errors.New("failed to persist session results")
)
