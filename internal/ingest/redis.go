package ingest

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDeduper backs the dedup window with a shared Redis instance so
// the window survives restarts and stays consistent across replicas,
// instead of each process tracking its own in-memory ring.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
}

// NewRedisDeduper constructs a RedisDeduper against an already-connected
// client.
func NewRedisDeduper(client *redis.Client, window time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, window: window}
}

// SeenRecently atomically claims the hash via SETNX; a claim that
// succeeds means this is the first sighting, so it is not a duplicate.
// Any Redis error is treated as "not seen" — best effort per the shared-
// resource policy, never a reason to reject an otherwise-valid record.
func (d *RedisDeduper) SeenRecently(hash string, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := d.client.SetNX(ctx, "ingest:dedup:"+hash, now.UTC().Format(time.RFC3339Nano), d.window).Result()
	if err != nil {
		return false
	}
	return !ok
}
