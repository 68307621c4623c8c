package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Waitlist keeps one FIFO list of consumer ids per provider.
type Waitlist struct {
	client *redis.Client
}

// NewWaitlist returns a redis-backed waitlist.
func NewWaitlist(client *redis.Client) *Waitlist {
	return &Waitlist{client: client}
}

func waitlistKey(providerID string) string {
	return fmt.Sprintf("waitlist:%s", providerID)
}

// Enqueue appends consumerID once; re-enqueueing moves it to the tail.
func (waitlist *Waitlist) Enqueue(ctx context.Context, providerID, consumerID string) error {
	key := waitlistKey(providerID)
	_, err := waitlist.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, key, 0, consumerID)
		pipe.RPush(ctx, key, consumerID)
		return nil
	})
	return err
}

// Remove drops consumerID from providerID's list.
func (waitlist *Waitlist) Remove(ctx context.Context, providerID, consumerID string) error {
	return waitlist.client.LRem(ctx, waitlistKey(providerID), 0, consumerID).Err()
}

// Next pops the head of providerID's list.
func (waitlist *Waitlist) Next(ctx context.Context, providerID string) (string, bool, error) {
	consumerID, err := waitlist.client.LPop(ctx, waitlistKey(providerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return consumerID, true, nil
}
