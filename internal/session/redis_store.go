package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "session:"
	redisUserKeyPrefix = "session:user:"
)

// redisClient is the part of go-redis the store needs.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisStore keeps sessions in Redis, expiring keys with the session TTL.
// Each user also has a set of their tokens so all of them can be revoked.
type RedisStore struct {
	client redisClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redisClient) *RedisStore {
	return &RedisStore{client: client}
}

// ConnectRedis parses url and pings the server before returning a client.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Save(ctx context.Context, token string, rec Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}

	userKey := userSessionsKey(rec.UserID)
	if err := s.client.SAdd(ctx, userKey, token).Err(); err != nil {
		return fmt.Errorf("session: index: %w", err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, userKey, ttl).Err(); err != nil {
			return fmt.Errorf("session: index ttl: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, token string) (Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrSessionNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("session: load: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("session: decode: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+token).Err(); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// DeleteByUser drops every token in the user's set, then the set itself.
// Tokens that already expired are skipped by DEL.
func (s *RedisStore) DeleteByUser(ctx context.Context, userID int64) error {
	userKey := userSessionsKey(userID)
	tokens, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("session: list user sessions: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, redisKeyPrefix+token)
	}
	keys = append(keys, userKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("session: delete user sessions: %w", err)
	}
	return nil
}

func userSessionsKey(userID int64) string {
	return redisUserKeyPrefix + strconv.FormatInt(userID, 10)
}
