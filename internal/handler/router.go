package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/repository"
)

// ServerDeps はPDSのルーター構成に必要な依存関係をまとめた構造体。
type ServerDeps struct {
	// ミドルウェア依存
	TokenValidator    middleware.TokenValidator
	TokenRevoker      TokenRevoker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	Linker    LinkerService
	SSOConfig SSOHandlerConfig

	Readiness   ReadinessChecker
	Preferences repository.PreferenceRepository
	UserService UserServiceInterface

	// Metrics は/metricsで公開するハンドラー。nilの場合はルートを登録しない。
	Metrics http.Handler
}

// NewServerRouter はPDSの全エンドポイントを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (SSO: RateLimit(SSO)) / (API: Bearer → RateLimit(General))
func NewServerRouter(deps *ServerDeps) http.Handler {
	r := chi.NewRouter()
	useCommon(r, deps.CORSAllowedOrigin)

	ssoHandler := NewSSOHandler(deps.Linker, deps.SSOConfig)
	healthHandler := NewHealthHandler(deps.Readiness)
	prefsHandler := NewPrefsHandler(deps.Preferences)
	userHandler := NewUserHandler(deps.UserService, deps.TokenRevoker)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/sso/{provider}", func(r chi.Router) {
		r.Use(deps.RateLimiter.SSOMiddleware())
		r.Get("/", ssoHandler.Login)
		r.Get("/login/callback", ssoHandler.Callback)
	})

	// --- Bearer認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerMiddleware(deps.TokenValidator))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/get_prefs", prefsHandler.GetPrefs)
		r.Post("/save_prefs", prefsHandler.SavePrefs)
		r.Post("/logout", userHandler.Logout)
		r.Delete("/api/users/me", userHandler.Withdraw)
	})

	return r
}

// ProxyDeps はエッジプロキシのルーター構成に必要な依存関係をまとめた構造体。
type ProxyDeps struct {
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Proxy             *ProxyHandler
	Metrics           http.Handler
}

// NewProxyRouter はエッジプロキシの全エンドポイントを構成したchi.Routerを返す。
// 認証はCookieのログイントークンで判定し、PDS側で検証される。
func NewProxyRouter(deps *ProxyDeps) http.Handler {
	r := chi.NewRouter()
	useCommon(r, deps.CORSAllowedOrigin)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"isHealthy": true})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/redirect", deps.Proxy.Redirect)
		r.Get("/get_prefs", deps.Proxy.GetPrefs)
		r.Post("/save_prefs", deps.Proxy.SavePrefs)
		r.Post("/logout", deps.Proxy.Logout)

		r.Route("/api/prefs", func(r chi.Router) {
			r.Get("/", deps.Proxy.ReadPrefs)
			r.Put("/", deps.Proxy.WritePrefs)
			r.Post("/reset", deps.Proxy.ResetPrefs)
			r.Post("/login", deps.Proxy.LoginPrefs)
		})
	})

	return r
}

func useCommon(r chi.Router, allowedOrigin string) {
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(allowedOrigin))
}
