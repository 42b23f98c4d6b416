package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// historyMaxLen bounds the redis-side exchange log per user. The
// retention predicate itself is applied in memory by the context
// manager; the store only has to hold enough backlog to rehydrate it.
const historyMaxLen = 1000

// RedisStore implements Store on top of a shared redis instance.
// Claims use SET NX so that concurrent processes never read-modify-write.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the redis connection; used by the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func claimKey(thoughtID string) string { return "claim:" + thoughtID }
func historyKey(userID int64) string   { return "history:" + strconv.FormatInt(userID, 10) }
func latestKey(userID int64) string    { return "latest_thought:" + strconv.FormatInt(userID, 10) }

func (s *RedisStore) Claim(ctx context.Context, thoughtID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, claimKey(thoughtID), time.Now().UnixNano(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", thoughtID, err)
	}
	return ok, nil
}

func (s *RedisStore) AppendExchange(ctx context.Context, ex Exchange) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("marshal exchange: %w", err)
	}
	key := historyKey(ex.UserID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	// Bound the backlog; LTrim keeps the newest historyMaxLen entries.
	if err := s.client.LTrim(ctx, key, -historyMaxLen, -1).Err(); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

func (s *RedisStore) ReadWindow(ctx context.Context, userID int64, since time.Time) ([]Exchange, error) {
	raw, err := s.client.LRange(ctx, historyKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	out := make([]Exchange, 0, len(raw))
	for _, item := range raw {
		var ex Exchange
		if err := json.Unmarshal([]byte(item), &ex); err != nil {
			continue // skip malformed entries rather than fail the read
		}
		if ex.Timestamp.Before(since) {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

func (s *RedisStore) SetLatestThought(ctx context.Context, userID int64, formedAt time.Time) error {
	err := s.client.Set(ctx, latestKey(userID), formedAt.UnixNano(), 0).Err()
	if err != nil {
		return fmt.Errorf("set latest thought: %w", err)
	}
	return nil
}

func (s *RedisStore) LatestThought(ctx context.Context, userID int64) (time.Time, error) {
	val, err := s.client.Get(ctx, latestKey(userID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get latest thought: %w", err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse latest thought: %w", err)
	}
	return time.Unix(0, nanos), nil
}
