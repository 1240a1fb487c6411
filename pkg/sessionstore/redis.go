package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keeps every mapping as a field of one hash.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis stores mappings under the hash "<prefix>sessions". An empty prefix
// defaults to "threadline:".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "threadline:"
	}
	return &Redis{client: client, key: prefix + "sessions"}
}

func (r *Redis) Get(ctx context.Context, name string) (string, bool, error) {
	id, err := r.client.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read session for %s: %w", name, err)
	}
	return id, true, nil
}

func (r *Redis) Put(ctx context.Context, name, sessionID string) error {
	if err := r.client.HSet(ctx, r.key, name, sessionID).Err(); err != nil {
		return fmt.Errorf("failed to store session for %s: %w", name, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, name string) error {
	if err := r.client.HDel(ctx, r.key, name).Err(); err != nil {
		return fmt.Errorf("failed to delete session for %s: %w", name, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) (map[string]string, error) {
	out, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}
