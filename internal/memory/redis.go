package memory

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const memoryKeyPrefix = "hoshi:memory:"

type redisGateway struct {
	client     *redis.Client
	maxEntries int
}

// NewRedisGateway stores each user's facts as a capped Redis list, newest
// first. Reads return oldest-to-newest so prompt ordering matches insertion.
func NewRedisGateway(client *redis.Client, maxEntries int) Gateway {
	if maxEntries <= 0 {
		maxEntries = 20
	}
	return &redisGateway{client: client, maxEntries: maxEntries}
}

func (r *redisGateway) key(userID string) string {
	return memoryKeyPrefix + NormalizeUserID(userID)
}

func (r *redisGateway) Fetch(ctx context.Context, userID string) ([]string, error) {
	facts, err := r.client.LRange(ctx, r.key(userID), 0, int64(r.maxEntries)-1).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	// LPUSH stores newest at index 0; reverse for chronological order.
	for i, j := 0, len(facts)-1; i < j; i, j = i+1, j-1 {
		facts[i], facts[j] = facts[j], facts[i]
	}
	return facts, nil
}

func (r *redisGateway) Store(ctx context.Context, userID, fact string) error {
	key := r.key(userID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, fact)
	pipe.LTrim(ctx, key, 0, int64(r.maxEntries)-1)
	_, err := pipe.Exec(ctx)
	return err
}
