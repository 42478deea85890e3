package tokenstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenRepo struct {
	mu       sync.Mutex
	subjects map[string]*model.Subject
	byUser   map[string][]string
	lookups  atomic.Int32
	err      error
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{subjects: map[string]*model.Subject{}, byUser: map[string][]string{}}
}

func (f *fakeTokenRepo) put(token string, s model.Subject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects[token] = &s
	f.byUser[s.UserID] = append(f.byUser[s.UserID], token)
}

func (f *fakeTokenRepo) FindSubjectByLoginToken(_ context.Context, token string) (*model.Subject, error) {
	f.lookups.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subjects[token]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeTokenRepo) DeleteByLoginToken(_ context.Context, token string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subjects, token)
	return nil
}

func (f *fakeTokenRepo) ListLoginTokensByUserID(_ context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.byUser[userID]...), nil
}

var _ repository.AccessTokenRepository = (*fakeTokenRepo)(nil)

func token(c byte) string {
	return strings.Repeat(string(c), 64)
}

func subject(userID string, ttl time.Duration) model.Subject {
	return model.Subject{UserID: userID, SsoAccountID: "acct-" + userID, Provider: "google", ExpiresAt: time.Now().Add(ttl)}
}

func TestValidate_MalformedTokenNeverHitsRepository(t *testing.T) {
	repo := newFakeTokenRepo()
	s := New(repo, nil, nil, Config{CacheTTL: time.Minute})

	for _, tok := range []string{"", "abc", token('A'), token('g'), token('a') + "0", "../" + token('a')[3:]} {
		_, err := s.Validate(context.Background(), tok)
		assert.ErrorIs(t, err, model.ErrUnauthorized, "token %q", tok)
	}
	assert.Zero(t, repo.lookups.Load())
}

func TestValidate_UnknownAndExpiredAreUnauthorized(t *testing.T) {
	repo := newFakeTokenRepo()
	repo.put(token('e'), subject("u1", -time.Second))
	s := New(repo, nil, nil, Config{CacheTTL: time.Minute})

	_, err := s.Validate(context.Background(), token('a'))
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = s.Validate(context.Background(), token('e'))
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestValidate_CachesSubject(t *testing.T) {
	repo := newFakeTokenRepo()
	repo.put(token('a'), subject("u1", time.Hour))
	s := New(repo, nil, nil, Config{CacheTTL: time.Minute})

	for i := 0; i < 3; i++ {
		got, err := s.Validate(context.Background(), token('a'))
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
	}
	assert.Equal(t, int32(1), repo.lookups.Load())
}

func TestValidate_RepositoryFailureIsStoreUnavailable(t *testing.T) {
	repo := newFakeTokenRepo()
	repo.err = errors.New("connection refused")
	s := New(repo, nil, nil, Config{})

	_, err := s.Validate(context.Background(), token('a'))

	var storeErr *model.StoreUnavailableError
	require.ErrorAs(t, err, &storeErr)
	assert.NotErrorIs(t, err, model.ErrUnauthorized)
}

func TestIssue_PrimesCacheAndEvictsSuperseded(t *testing.T) {
	repo := newFakeTokenRepo()
	repo.put(token('1'), subject("u1", time.Hour))
	cache := NewMemoryCache()
	s := New(repo, cache, nil, Config{CacheTTL: time.Minute})

	_, err := s.Validate(context.Background(), token('1'))
	require.NoError(t, err)

	// 再ログイン: DB上は旧トークンが新トークンに置き換わる
	repo.DeleteByLoginToken(context.Background(), token('1'))
	repo.put(token('2'), subject("u1", time.Hour))

	issued, err := s.Issue(context.Background(), &model.SessionResult{
		LoginToken: token('2'),
		MaxAge:     3600,
		Subject:    subject("u1", time.Hour),
		Superseded: token('1'),
	})
	require.NoError(t, err)
	assert.Equal(t, token('2'), issued)

	_, ok, _ := cache.Get(context.Background(), token('2'))
	assert.True(t, ok, "new token should be cached")

	_, err = s.Validate(context.Background(), token('1'))
	assert.ErrorIs(t, err, model.ErrUnauthorized, "superseded token must not validate from cache")
}

func TestIssue_RejectsInvalidInput(t *testing.T) {
	s := New(newFakeTokenRepo(), nil, nil, Config{})

	_, err := s.Issue(context.Background(), &model.SessionResult{LoginToken: "", MaxAge: 10})
	assert.Error(t, err)

	_, err = s.Issue(context.Background(), &model.SessionResult{LoginToken: token('a'), MaxAge: 0})
	assert.Error(t, err)
}

func TestRevoke_IsIdempotentAndInvalidates(t *testing.T) {
	repo := newFakeTokenRepo()
	repo.put(token('a'), subject("u1", time.Hour))
	s := New(repo, nil, nil, Config{CacheTTL: time.Minute})

	_, err := s.Validate(context.Background(), token('a'))
	require.NoError(t, err)

	require.NoError(t, s.Revoke(context.Background(), token('a')))
	require.NoError(t, s.Revoke(context.Background(), token('a')))

	_, err = s.Validate(context.Background(), token('a'))
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestRevokeUser_InvalidatesAllTokens(t *testing.T) {
	repo := newFakeTokenRepo()
	repo.put(token('a'), subject("u1", time.Hour))
	repo.put(token('b'), subject("u1", time.Hour))
	repo.put(token('c'), subject("u2", time.Hour))
	s := New(repo, nil, nil, Config{CacheTTL: time.Minute})

	for _, tok := range []string{token('a'), token('b'), token('c')} {
		_, err := s.Validate(context.Background(), tok)
		require.NoError(t, err)
	}

	require.NoError(t, s.RevokeUser(context.Background(), "u1"))

	for _, tok := range []string{token('a'), token('b')} {
		_, err := s.Validate(context.Background(), tok)
		assert.ErrorIs(t, err, model.ErrUnauthorized)
	}
	_, err := s.Validate(context.Background(), token('c'))
	assert.NoError(t, err)
}

func TestCacheTTL_NeverOutlivesToken(t *testing.T) {
	s := New(newFakeTokenRepo(), nil, nil, Config{CacheTTL: time.Hour})
	now := time.Now()
	s.now = func() time.Time { return now }

	assert.Equal(t, 30*time.Second, s.cacheTTL(now.Add(30*time.Second)))
	assert.Equal(t, time.Hour, s.cacheTTL(now.Add(2*time.Hour)))
}

func TestValidate_ConcurrentWithRevoke(t *testing.T) {
	repo := newFakeTokenRepo()
	repo.put(token('a'), subject("u1", time.Hour))
	s := New(repo, nil, nil, Config{CacheTTL: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Validate(context.Background(), token('a'))
		}()
	}
	require.NoError(t, s.Revoke(context.Background(), token('a')))
	wg.Wait()

	_, err := s.Validate(context.Background(), token('a'))
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(context.Background(), "k", &model.Subject{UserID: "u"}, time.Second))
	_, ok, _ := c.Get(context.Background(), "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = c.Get(context.Background(), "k")
	assert.False(t, ok)
}
