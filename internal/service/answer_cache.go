package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/pengawas-backend/internal/config"
	"github.com/stemsi/pengawas-backend/internal/model"
)

// RedisAnswerCache implements AnswerCache over redis hashes plus the
// persist queue drained by the answer worker.
type RedisAnswerCache struct {
	rdb *redis.Client
}

// NewRedisAnswerCache creates a new RedisAnswerCache.
func NewRedisAnswerCache(rdb *redis.Client) *RedisAnswerCache {
	return &RedisAnswerCache{rdb: rdb}
}

// SaveAnswer stores one answer in the session's hash, last write wins.
func (c *RedisAnswerCache) SaveAnswer(ctx context.Context, sessionID uuid.UUID, itemID, value string) error {
	return c.rdb.HSet(ctx, config.CacheKey.SessionAnswersKey(sessionID.String()), itemID, value).Err()
}

// SetFlag records or clears the participant's review flag for an item.
func (c *RedisAnswerCache) SetFlag(ctx context.Context, sessionID uuid.UUID, itemID string, flagged bool) error {
	key := config.CacheKey.SessionFlagsKey(sessionID.String())
	if flagged {
		return c.rdb.HSet(ctx, key, itemID, "1").Err()
	}
	return c.rdb.HDel(ctx, key, itemID).Err()
}

// Answers retrieves the session's cached answer map.
func (c *RedisAnswerCache) Answers(ctx context.Context, sessionID uuid.UUID) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
}

// Flags retrieves the item IDs currently flagged for review.
func (c *RedisAnswerCache) Flags(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	return c.rdb.HKeys(ctx, config.CacheKey.SessionFlagsKey(sessionID.String())).Result()
}

// EnqueuePersist pushes the record onto the durable-write queue.
func (c *RedisAnswerCache) EnqueuePersist(ctx context.Context, rec model.AnswerRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal answer record: %w", err)
	}
	return c.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err()
}

// Clear drops the session's cached answers and flags after it finalizes.
func (c *RedisAnswerCache) Clear(ctx context.Context, sessionID uuid.UUID) error {
	return c.rdb.Del(ctx,
		config.CacheKey.SessionAnswersKey(sessionID.String()),
		config.CacheKey.SessionFlagsKey(sessionID.String()),
	).Err()
}
