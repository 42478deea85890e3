// Package cache はRedisを使ったOAuth stateとトークンキャッシュの実装を提供する。
// 複数インスタンス構成でREDIS_URLを設定した場合に使う。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/prefsync/internal/auth"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/tokenstore"
	"github.com/redis/go-redis/v9"
)

const (
	statePrefix = "prefsync:oauth_state:"
	tokenPrefix = "prefsync:login_token:"
)

// NewClient はREDIS_URLからクライアントを生成する。
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisStateStore はRedis上のauth.StateStore実装。
type RedisStateStore struct {
	rdb *redis.Client
}

// NewRedisStateStore はRedisStateStoreを生成する。
func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

func (s *RedisStateStore) Save(ctx context.Context, state, refererURL string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, statePrefix+state, refererURL, ttl).Err(); err != nil {
		return fmt.Errorf("store oauth state in redis: %w", err)
	}
	return nil
}

// Consume はGETDELでstateを1回限り取り出す。
func (s *RedisStateStore) Consume(ctx context.Context, state string) (string, error) {
	val, err := s.rdb.GetDel(ctx, statePrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("retrieve oauth state from redis: %w", err)
	}
	return val, nil
}

// RedisTokenCache はRedis上のtokenstore.Cache実装。
type RedisTokenCache struct {
	rdb *redis.Client
}

// NewRedisTokenCache はRedisTokenCacheを生成する。
func NewRedisTokenCache(rdb *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{rdb: rdb}
}

type subjectEntry struct {
	UserID       string    `json:"user_id"`
	SsoAccountID string    `json:"sso_account_id"`
	Provider     string    `json:"provider"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (c *RedisTokenCache) Get(ctx context.Context, token string) (*model.Subject, bool, error) {
	val, err := c.rdb.Get(ctx, tokenPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("retrieve token from redis: %w", err)
	}

	var e subjectEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, false, fmt.Errorf("decode cached token: %w", err)
	}
	return &model.Subject{
		UserID:       e.UserID,
		SsoAccountID: e.SsoAccountID,
		Provider:     e.Provider,
		ExpiresAt:    e.ExpiresAt,
	}, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, token string, subject *model.Subject, ttl time.Duration) error {
	val, err := json.Marshal(subjectEntry{
		UserID:       subject.UserID,
		SsoAccountID: subject.SsoAccountID,
		Provider:     subject.Provider,
		ExpiresAt:    subject.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := c.rdb.Set(ctx, tokenPrefix+token, val, ttl).Err(); err != nil {
		return fmt.Errorf("store token in redis: %w", err)
	}
	return nil
}

func (c *RedisTokenCache) Delete(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = tokenPrefix + t
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete token from redis: %w", err)
	}
	return nil
}

var (
	_ auth.StateStore  = (*RedisStateStore)(nil)
	_ tokenstore.Cache = (*RedisTokenCache)(nil)
)
