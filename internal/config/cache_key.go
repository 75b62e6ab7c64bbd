package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the cache key for a session's autosaved answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionFlagsKey returns the cache key for a session's review-flagged items
func (r *CacheKeyStruct) SessionFlagsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:flags", sessionID)
}

// AssessmentPayloadKey returns the cache key for an assessment's participant payload
func (r *CacheKeyStruct) AssessmentPayloadKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:payload", assessmentID)
}

// AssessmentAnswerKey returns the cache key for an assessment's answer key
func (r *CacheKeyStruct) AssessmentAnswerKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:key", assessmentID)
}

// AssessmentDurationKey returns the cache key for an assessment's duration
func (r *CacheKeyStruct) AssessmentDurationKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:duration", assessmentID)
}

var CacheKey = NewCacheKeyStruct()
