package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/hitoshi/prefsync/internal/auth"
	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
)

// --- モック定義 ---

type mockLinker struct {
	loginURLFn     func(ctx context.Context, provider, refererURL string) (string, error)
	exchangeCodeFn func(ctx context.Context, provider string, params auth.CallbackParams) (*model.SessionResult, error)
}

func (m *mockLinker) LoginURL(ctx context.Context, provider, refererURL string) (string, error) {
	return m.loginURLFn(ctx, provider, refererURL)
}

func (m *mockLinker) ExchangeCode(ctx context.Context, provider string, params auth.CallbackParams) (*model.SessionResult, error) {
	return m.exchangeCodeFn(ctx, provider, params)
}

type mockReadiness struct {
	healthy bool
	ready   bool
}

func (m *mockReadiness) Healthy() bool { return m.healthy }
func (m *mockReadiness) Ready(ctx context.Context) bool { return m.ready }

// memPrefsRepo はPreferenceRepositoryのインメモリ実装。
type memPrefsRepo struct {
	mu      sync.Mutex
	byUser  map[string]model.Preferences
	findErr error
	saveErr error
}

func newMemPrefsRepo() *memPrefsRepo {
	return &memPrefsRepo{byUser: make(map[string]model.Preferences)}
}

func (m *memPrefsRepo) FindByUserID(ctx context.Context, userID string) (model.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	prefs, ok := m.byUser[userID]
	if !ok {
		return nil, nil
	}
	return prefs.Clone(), nil
}

func (m *memPrefsRepo) Save(ctx context.Context, userID string, prefs model.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.byUser[userID] = prefs.Clone()
	return nil
}

type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

type mockRevoker struct {
	mu      sync.Mutex
	revoked []string
	err     error
}

func (m *mockRevoker) Revoke(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.revoked = append(m.revoked, token)
	return nil
}

// tokenValidator はトークンとユーザーIDの対応表で検証する。
type tokenValidator map[string]string

func (v tokenValidator) Validate(ctx context.Context, token string) (*model.Subject, error) {
	userID, ok := v[token]
	if !ok {
		return nil, model.ErrUnauthorized
	}
	return &model.Subject{UserID: userID, Provider: auth.ProviderGoogle}, nil
}

func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}
