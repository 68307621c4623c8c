package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 90 * time.Second

// PresenceMirror publishes local presence as expiring keys.
type PresenceMirror struct {
	client *redis.Client
	ttl    time.Duration
	nodeID string
}

// NewPresenceMirror returns a mirror writing presence:<actorId> keys valued with nodeID.
func NewPresenceMirror(client *redis.Client, nodeID string, ttl time.Duration) *PresenceMirror {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &PresenceMirror{client: client, ttl: ttl, nodeID: nodeID}
}

func presenceKey(actorID string) string {
	return fmt.Sprintf("presence:%s", actorID)
}

// MarkOnline sets the presence key with the mirror TTL.
func (mirror *PresenceMirror) MarkOnline(ctx context.Context, actorID string) error {
	return mirror.client.Set(ctx, presenceKey(actorID), mirror.nodeID, mirror.ttl).Err()
}

// MarkOffline deletes the presence key.
func (mirror *PresenceMirror) MarkOffline(ctx context.Context, actorID string) error {
	return mirror.client.Del(ctx, presenceKey(actorID)).Err()
}

// Refresh extends the TTL of a live actor; connections call it on every pong.
func (mirror *PresenceMirror) Refresh(ctx context.Context, actorID string) error {
	return mirror.client.Expire(ctx, presenceKey(actorID), mirror.ttl).Err()
}
