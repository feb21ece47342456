package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
)

type RedisIndex struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIndex(rdb *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	JobID  string    `json:"jobId"`
	Index  int       `json:"index"`
	SentAt time.Time `json:"sentAt"`
}

func messageKey(providerMessageID string) string {
	return "wamid:" + providerMessageID
}

func (c *RedisIndex) Put(ctx context.Context, providerMessageID string, ref model.RecipientRef) error {
	b, err := json.Marshal(sentValue{
		JobID:  ref.JobID,
		Index:  ref.Index,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, messageKey(providerMessageID), b, c.ttl).Err()
}

func (c *RedisIndex) Lookup(ctx context.Context, providerMessageID string) (model.RecipientRef, bool, error) {
	raw, err := c.rdb.Get(ctx, messageKey(providerMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RecipientRef{}, false, nil
	}
	if err != nil {
		return model.RecipientRef{}, false, err
	}

	var v sentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.RecipientRef{}, false, err
	}
	return model.RecipientRef{JobID: v.JobID, Index: v.Index}, true, nil
}
