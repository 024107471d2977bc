package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageDeduper remembers inbound message ids for a while so that provider
// redeliveries are answered once.
type MessageDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewMessageDeduper(client redis.UniversalClient, ttl time.Duration) *MessageDeduper {
	return &MessageDeduper{client: client, ttl: ttl}
}

// FirstSeen records id and reports whether it had not been seen before.
func (d *MessageDeduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "inbound:msg:"+id, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe inbound message: %w", err)
	}
	return ok, nil
}
