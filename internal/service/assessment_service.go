package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/config"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/repository"
)

// AssessmentService serves assessment payloads and answer keys from redis,
// healing from postgres on a cache miss. It implements ItemBank for the
// session state machine.
type AssessmentService struct {
	assessments *repository.AssessmentRepository
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewAssessmentService creates a new AssessmentService.
func NewAssessmentService(assessments *repository.AssessmentRepository, rdb *redis.Client, log zerolog.Logger) *AssessmentService {
	return &AssessmentService{
		assessments: assessments,
		rdb:         rdb,
		log:         log.With().Str("component", "assessment_service").Logger(),
	}
}

// AssessmentByID retrieves assessment metadata straight from the store.
func (s *AssessmentService) AssessmentByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	return s.assessments.GetByID(ctx, id)
}

// Duration resolves the assessment's time budget, cache first.
func (s *AssessmentService) Duration(ctx context.Context, assessmentID uuid.UUID) (time.Duration, error) {
	key := config.CacheKey.AssessmentDurationKey(assessmentID.String())
	if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if minutes, perr := strconv.Atoi(raw); perr == nil {
			return time.Duration(minutes) * time.Minute, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Duration cache unavailable, falling back to database")
	}

	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return 0, err
	}
	if err := s.rdb.Set(ctx, key, strconv.Itoa(assessment.DurationMinutes), 0).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to heal duration cache")
	}
	return time.Duration(assessment.DurationMinutes) * time.Minute, nil
}

// AnswerKey resolves the item→correct-value map, cache first. The key never
// leaves the server.
func (s *AssessmentService) AnswerKey(ctx context.Context, assessmentID uuid.UUID) (map[string]string, error) {
	cacheKey := config.CacheKey.AssessmentAnswerKey(assessmentID.String())
	if cached, err := s.rdb.HGetAll(ctx, cacheKey).Result(); err == nil && len(cached) > 0 {
		return cached, nil
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Answer key cache unavailable, falling back to database")
	}

	items, err := s.assessments.ListItems(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	if len(items) == 0 {
		return map[string]string{}, nil
	}

	answerKey := make(map[string]string, len(items))
	for _, it := range items {
		answerKey[it.ID.String()] = it.CorrectValue
	}
	if err := s.rdb.HSet(ctx, cacheKey, answerKey).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to heal answer key cache")
	}
	return answerKey, nil
}

// PayloadForSession builds the participant-facing paper. The correct values
// are stripped, and when shuffling is on the item order is derived from the
// session ID so every fetch of the same session sees the same order.
func (s *AssessmentService) PayloadForSession(ctx context.Context, assessmentID, sessionID uuid.UUID) (*model.AssessmentPayload, error) {
	payload, err := s.basePayload(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if assessment.ShuffleItems {
		shuffleItems(payload.Items, sessionID)
	}
	return payload, nil
}

func (s *AssessmentService) basePayload(ctx context.Context, assessmentID uuid.UUID) (*model.AssessmentPayload, error) {
	cacheKey := config.CacheKey.AssessmentPayloadKey(assessmentID.String())
	if raw, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil {
		payload := &model.AssessmentPayload{}
		if uerr := json.Unmarshal([]byte(raw), payload); uerr == nil {
			return payload, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Payload cache unavailable, falling back to database")
	}
	return s.buildAndCachePayload(ctx, assessmentID)
}

func (s *AssessmentService) buildAndCachePayload(ctx context.Context, assessmentID uuid.UUID) (*model.AssessmentPayload, error) {
	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	items, err := s.assessments.ListItems(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	payload := &model.AssessmentPayload{
		AssessmentID: assessment.ID,
		Title:        assessment.Title,
		Duration:     assessment.DurationMinutes,
		Items:        make([]model.ItemForParticipant, 0, len(items)),
	}
	for _, it := range items {
		payload.Items = append(payload.Items, model.ItemForParticipant{
			ID:       it.ID,
			Prompt:   it.Prompt,
			Choices:  it.Choices,
			Position: it.Position,
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.AssessmentPayloadKey(assessmentID.String()), raw, 0).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to heal payload cache")
	}
	return payload, nil
}

// shuffleItems permutes in place with a generator seeded from the session
// ID, keeping the order stable across reconnects.
func shuffleItems(items []model.ItemForParticipant, sessionID uuid.UUID) {
	var seed int64
	for _, b := range sessionID {
		seed = seed*31 + int64(b)
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
}

// PrewarmCaches loads every published assessment's payload, answer key, and
// duration into redis so the first participant of the day does not pay the
// database round trips.
func (s *AssessmentService) PrewarmCaches(ctx context.Context) error {
	published, err := s.assessments.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published assessments: %w", err)
	}

	for _, assessment := range published {
		if _, err := s.buildAndCachePayload(ctx, assessment.ID); err != nil {
			s.log.Error().Err(err).Str("assessment_id", assessment.ID.String()).Msg("Failed to prewarm payload")
			continue
		}
		if _, err := s.AnswerKey(ctx, assessment.ID); err != nil {
			s.log.Error().Err(err).Str("assessment_id", assessment.ID.String()).Msg("Failed to prewarm answer key")
			continue
		}
		durationKey := config.CacheKey.AssessmentDurationKey(assessment.ID.String())
		if err := s.rdb.Set(ctx, durationKey, strconv.Itoa(assessment.DurationMinutes), 0).Err(); err != nil {
			s.log.Error().Err(err).Str("assessment_id", assessment.ID.String()).Msg("Failed to prewarm duration")
		}
	}

	s.log.Info().Int("assessments", len(published)).Msg("Assessment caches prewarmed")
	return nil
}
