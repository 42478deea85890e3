// Package tokenstore はログイントークンの発行、検証、失効を提供する。
package tokenstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/prefsync/internal/logger"
	"github.com/hitoshi/prefsync/internal/metrics"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/repository"
)

const (
	tokenLength = 64
	stripes     = 64
)

// Cache は検証済みトークンのキャッシュ。
type Cache interface {
	// Get はトークンの主体を返す。キャッシュにない場合はok=false。
	Get(ctx context.Context, token string) (subject *model.Subject, ok bool, err error)
	Set(ctx context.Context, token string, subject *model.Subject, ttl time.Duration) error
	Delete(ctx context.Context, tokens ...string) error
}

// Config はStoreの設定。
type Config struct {
	// CacheTTL はキャッシュ保持の上限。トークンの有効期限を超えることはない。
	CacheTTL time.Duration
}

// Store はログイントークンの発行・検証・失効を行う。
//
// 読み取りは並行に行い、同一トークンへの書き込みはストライプロックで直列化する。
type Store struct {
	repo    repository.AccessTokenRepository
	cache   Cache
	metrics metrics.MetricsCollector
	config  Config

	locks [stripes]sync.RWMutex
	now   func() time.Time
}

// New はStoreを生成する。cacheがnilの場合はMemoryCacheを使う。
func New(repo repository.AccessTokenRepository, cache Cache, mc metrics.MetricsCollector, config Config) *Store {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Store{
		repo:    repo,
		cache:   cache,
		metrics: mc,
		config:  config,
		now:     time.Now,
	}
}

func (s *Store) lockFor(token string) *sync.RWMutex {
	h := fnv.New32a()
	h.Write([]byte(token))
	return &s.locks[h.Sum32()%stripes]
}

// Issue はリンク処理で永続化済みのログイントークンを有効化する。
// 置き換えられた旧トークンはキャッシュから除去する。
func (s *Store) Issue(ctx context.Context, result *model.SessionResult) (string, error) {
	if result == nil || !wellFormed(result.LoginToken) {
		return "", fmt.Errorf("login token is malformed")
	}
	if result.MaxAge <= 0 {
		return "", fmt.Errorf("login token max age must be positive, got %d", result.MaxAge)
	}

	if result.Superseded != "" {
		s.evict(ctx, result.Superseded)
	}

	mu := s.lockFor(result.LoginToken)
	mu.Lock()
	defer mu.Unlock()

	subject := result.Subject
	if ttl := s.cacheTTL(subject.ExpiresAt); ttl > 0 {
		if err := s.cache.Set(ctx, result.LoginToken, &subject, ttl); err != nil {
			slog.Warn("failed to prime token cache",
				slog.String("token", logger.MaskToken(result.LoginToken)),
				slog.String("error", err.Error()),
			)
		}
	}
	return result.LoginToken, nil
}

// Validate はトークンを検証し、認証主体を返す。
// 空、形式不正、未知、期限切れはいずれもmodel.ErrUnauthorizedを返す。
func (s *Store) Validate(ctx context.Context, token string) (*model.Subject, error) {
	if !wellFormed(token) {
		s.metrics.RecordTokenValidation("malformed")
		return nil, model.ErrUnauthorized
	}

	mu := s.lockFor(token)
	mu.RLock()
	defer mu.RUnlock()

	now := s.now()

	subject, ok, err := s.cache.Get(ctx, token)
	if err != nil {
		slog.Warn("token cache lookup failed", slog.String("error", err.Error()))
	}
	if ok && subject.ExpiresAt.After(now) {
		s.metrics.RecordTokenValidation("valid")
		return subject, nil
	}

	subject, err = s.repo.FindSubjectByLoginToken(ctx, token)
	if err != nil {
		s.metrics.RecordTokenValidation("error")
		return nil, &model.StoreUnavailableError{Store: "token", Err: err}
	}
	if subject == nil || !subject.ExpiresAt.After(now) {
		s.metrics.RecordTokenValidation("invalid")
		return nil, model.ErrUnauthorized
	}

	if ttl := s.cacheTTL(subject.ExpiresAt); ttl > 0 {
		if err := s.cache.Set(ctx, token, subject, ttl); err != nil {
			slog.Warn("failed to cache token", slog.String("error", err.Error()))
		}
	}

	s.metrics.RecordTokenValidation("valid")
	return subject, nil
}

// Revoke はトークンを失効させる。何度呼んでもよい。
func (s *Store) Revoke(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return nil
	}

	mu := s.lockFor(token)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.DeleteByLoginToken(ctx, token); err != nil {
		return &model.StoreUnavailableError{Store: "token", Err: err}
	}
	if err := s.cache.Delete(ctx, token); err != nil {
		return &model.StoreUnavailableError{Store: "token cache", Err: err}
	}

	slog.Info("login token revoked", slog.String("token", logger.MaskToken(token)))
	return nil
}

// RevokeUser はユーザーに紐づく全トークンを失効させる。
func (s *Store) RevokeUser(ctx context.Context, userID string) error {
	tokens, err := s.repo.ListLoginTokensByUserID(ctx, userID)
	if err != nil {
		return &model.StoreUnavailableError{Store: "token", Err: err}
	}
	for _, token := range tokens {
		if err := s.Revoke(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) evict(ctx context.Context, token string) {
	mu := s.lockFor(token)
	mu.Lock()
	defer mu.Unlock()

	if err := s.cache.Delete(ctx, token); err != nil {
		slog.Warn("failed to evict superseded token",
			slog.String("token", logger.MaskToken(token)),
			slog.String("error", err.Error()),
		)
	}
}

// cacheTTL はmin(トークン残存期間, CacheTTL)を返す。
func (s *Store) cacheTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if s.config.CacheTTL > 0 && s.config.CacheTTL < ttl {
		ttl = s.config.CacheTTL
	}
	return ttl
}

// wellFormed はトークンが64桁の小文字16進であるかを判定する。
func wellFormed(token string) bool {
	if len(token) != tokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
