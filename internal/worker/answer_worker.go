package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/pengawas-backend/internal/config"
	"github.com/stemsi/pengawas-backend/internal/model"
	"github.com/stemsi/pengawas-backend/internal/repository"
)

const (
	popTimeout   = 5 * time.Second
	drainTimeout = 10 * time.Second
)

// AnswerWorker drains the persist queue: every autosaved answer lands in
// postgres shortly after it hits the cache. Last write per (session, item)
// wins, so replaying the queue is harmless.
type AnswerWorker struct {
	rdb     *redis.Client
	answers *repository.AnswerRepository
	log     zerolog.Logger
}

// NewAnswerWorker creates a new AnswerWorker.
func NewAnswerWorker(rdb *redis.Client, answers *repository.AnswerRepository, log zerolog.Logger) *AnswerWorker {
	return &AnswerWorker{
		rdb:     rdb,
		answers: answers,
		log:     log.With().Str("component", "answer_worker").Logger(),
	}
}

// Run blocks on the queue until ctx is cancelled, then drains what is left
// so in-flight answers survive a shutdown.
func (w *AnswerWorker) Run(ctx context.Context) {
	w.log.Info().Msg("Answer worker started")

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.log.Info().Msg("Answer worker stopped")
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, popTimeout, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			w.log.Error().Err(err).Msg("Failed to pop from persist queue")
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}
		w.persist(context.Background(), result[1])
	}
}

func (w *AnswerWorker) persist(ctx context.Context, raw string) {
	var rec model.AnswerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		w.log.Error().Err(err).Str("payload", raw).Msg("Dropping malformed answer record")
		return
	}
	if err := w.answers.Upsert(ctx, &rec); err != nil {
		w.log.Error().Err(err).
			Str("session_id", rec.SessionID.String()).
			Str("item_id", rec.ItemID.String()).
			Msg("Failed to persist answer record")
		// Requeue so the answer is not lost; retried on the next pop.
		if rerr := w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw).Err(); rerr != nil {
			w.log.Error().Err(rerr).Msg("Failed to requeue answer record")
		}
		time.Sleep(time.Second)
	}
}

// drain empties the queue without blocking, bounded by drainTimeout.
func (w *AnswerWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				w.log.Error().Err(err).Msg("Drain aborted")
			}
			break
		}
		w.persist(ctx, raw)
		drained++
	}
	if drained > 0 {
		w.log.Info().Int("records", drained).Msg("Drained persist queue")
	}
}
