package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/reconcile"
)

const (
	// PrefsCookieName は匿名プリファレンスを保持するCookie名。
	PrefsCookieName = "PDS_prefs"

	prefsCookieMaxAge = 365 * 24 * 60 * 60
)

// CookieStoreConfig はCookieStoreの属性。
type CookieStoreConfig struct {
	Secure bool
	Domain string
}

// CookieStore はブラウザのCookieに差分のみを保持する匿名ストア。
// 値は{"preferences":{...}}をbase64urlエンコードしたもの。
// 1リクエストの間だけ有効で、Setした値は同じリクエスト内のGetに反映される。
// IdPからの遷移チェーンで届く/redirectでも送られるようSameSite=Laxとする。
type CookieStore struct {
	w      http.ResponseWriter
	r      *http.Request
	config CookieStoreConfig

	mu      sync.Mutex
	written model.Preferences
}

// NewCookieStore はリクエストに紐づくCookieStoreを生成する。
func NewCookieStore(w http.ResponseWriter, r *http.Request, config CookieStoreConfig) *CookieStore {
	return &CookieStore{w: w, r: r, config: config}
}

// Get はCookieからプリファレンスを読む。Cookieが壊れている場合は空として扱う。
func (s *CookieStore) Get(_ context.Context) (model.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written != nil {
		return s.written.Clone(), nil
	}

	cookie, err := s.r.Cookie(PrefsCookieName)
	if err != nil || cookie.Value == "" {
		return model.Preferences{}, nil
	}

	prefs, err := decodePrefsCookie(cookie.Value)
	if err != nil {
		slog.Warn("discarding malformed preferences cookie", slog.String("error", err.Error()))
		return model.Preferences{}, nil
	}
	return prefs, nil
}

// Set はプリファレンスをCookieに書き込む。
func (s *CookieStore) Set(_ context.Context, prefs model.Preferences) error {
	if prefs == nil {
		prefs = model.Preferences{}
	}
	value, err := encodePrefsCookie(prefs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	http.SetCookie(s.w, &http.Cookie{
		Name:     PrefsCookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.config.Domain,
		MaxAge:   prefsCookieMaxAge,
		HttpOnly: true,
		Secure:   s.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	s.written = prefs.Clone()
	return nil
}

func encodePrefsCookie(prefs model.Preferences) (string, error) {
	raw, err := json.Marshal(prefsEnvelope{Preferences: prefs})
	if err != nil {
		return "", fmt.Errorf("failed to encode preferences cookie: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodePrefsCookie(value string) (model.Preferences, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	var env prefsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if env.Preferences == nil {
		env.Preferences = model.Preferences{}
	}
	return env.Preferences, nil
}

// compile-time interface check
var _ reconcile.Store = (*CookieStore)(nil)
