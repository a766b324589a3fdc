package answers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix namespaces answer keys.
	KeyPrefix = "babysitter:answer:"
	// DefaultTTL bounds how long an unclaimed answer is kept.
	DefaultTTL = 24 * time.Hour
)

// Redis is a Store shared between processes, so that an answer received by
// the daemon reaches a hook process blocked in another process.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the Redis server at url (redis://...) and checks
// the connection.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("answers: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("answers: redis ping: %w", err)
	}
	return WrapRedis(client, ttl), nil
}

// WrapRedis uses an existing client.
func WrapRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Put(ctx context.Context, sessionID, answer string) error {
	if err := r.client.Set(ctx, KeyPrefix+sessionID, strings.TrimSpace(answer), r.ttl).Err(); err != nil {
		return fmt.Errorf("answers: redis set %s: %w", sessionID, err)
	}
	return nil
}

func (r *Redis) Take(ctx context.Context, sessionID string) (string, bool, error) {
	val, err := r.client.GetDel(ctx, KeyPrefix+sessionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("answers: redis take %s: %w", sessionID, err)
	}
	return val, true, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
