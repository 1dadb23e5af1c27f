package dedupe

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the Redis set holding seen URLs.
const DefaultRedisKey = "borsradar:seen-urls"

// RedisSet is a Set stored in one Redis set key, so several processes can
// share what has been scraped.
type RedisSet struct {
	client *redis.Client
	key    string
}

// NewRedisSet connects to the Redis server at addr and pings it.
func NewRedisSet(ctx context.Context, addr, key string) (*RedisSet, error) {
	if key == "" {
		key = DefaultRedisKey
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisSet{client: client, key: key}, nil
}

// IsNew reports whether url is not a member of the set.
func (s *RedisSet) IsNew(ctx context.Context, url string) (bool, error) {
	member, err := s.client.SIsMember(ctx, s.key, url).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check seen url: %w", err)
	}
	return !member, nil
}

// MarkSeen adds urls to the set.
func (s *RedisSet) MarkSeen(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}

	members := make([]any, len(urls))
	for i, u := range urls {
		members[i] = u
	}

	if err := s.client.SAdd(ctx, s.key, members...).Err(); err != nil {
		return fmt.Errorf("failed to mark urls seen: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisSet) Close() error {
	return s.client.Close()
}
