package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/prefsync/internal/logger"
	"github.com/hitoshi/prefsync/internal/metrics"
	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/reconcile"
	"github.com/hitoshi/prefsync/internal/relay"
)

const (
	msgMissingParameters = "Missing required parameters"
	msgRelayUnreachable  = "Preferences server is unreachable"
)

// RelayClient はエッジプロキシがPDSを呼び出すためのインターフェース。
// relay.Clientが満たす。
type RelayClient interface {
	GetPrefs(ctx context.Context, token string) (*relay.Response, error)
	SavePrefs(ctx context.Context, token string, body []byte) (*relay.Response, error)
	Logout(ctx context.Context, token string) (*relay.Response, error)
}

// StoreFactory はログイントークンに紐づく認証済みストアを生成する。
type StoreFactory func(token string) reconcile.Store

// ProxyHandlerConfig はエッジプロキシの設定。
type ProxyHandlerConfig struct {
	LoginCookieName string
	CookieSecure    bool
	CookieDomain    string
}

// ProxyHandler はエッジプロキシのHTTPハンドラー。
// ログイントークンはCookieで受け取り、PDSにはBearerで中継する。
type ProxyHandler struct {
	relay    RelayClient
	authed   StoreFactory
	defaults model.Preferences
	metrics  metrics.MetricsCollector
	config   ProxyHandlerConfig
}

// NewProxyHandler はProxyHandlerを生成する。defaultsがnilの場合は組み込みの初期値を使う。
func NewProxyHandler(client RelayClient, authed StoreFactory, defaults model.Preferences, mc metrics.MetricsCollector, config ProxyHandlerConfig) *ProxyHandler {
	if defaults == nil {
		defaults = reconcile.Defaults()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if config.LoginCookieName == "" {
		config.LoginCookieName = "PDS_loginToken"
	}
	return &ProxyHandler{
		relay:    client,
		authed:   authed,
		defaults: defaults,
		metrics:  mc,
		config:   config,
	}
}

// messageResponse はisErrorを持たないエッジプロキシ固有のエラーボディ。
type messageResponse struct {
	Message string `json:"message"`
}

// Redirect はPDSから受け取ったログイントークンをCookieに保存し、元のページへ戻す。
// GET /redirect?loginToken&maxAge&refererUrl
func (h *ProxyHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("loginToken")
	refererURL := q.Get("refererUrl")
	maxAge, err := strconv.Atoi(q.Get("maxAge"))
	if token == "" || refererURL == "" || err != nil || maxAge <= 0 {
		writeJSON(w, http.StatusUnauthorized, messageResponse{Message: msgMissingParameters})
		return
	}

	http.SetCookie(w, h.loginCookie(token, maxAge))

	// 統合の失敗はログインを妨げない
	eng := h.engine(w, r, token)
	if _, err := eng.OnAuthTransition(reconcile.WithAuthState(r.Context(), true), true); err != nil {
		slog.Warn("login reconciliation failed",
			slog.String("token", logger.MaskToken(token)),
			slog.String("error", err.Error()),
		)
	}

	http.Redirect(w, r, refererURL, http.StatusFound)
}

// GetPrefs はPDSの/get_prefsを中継する。上流のレスポンスはそのまま返す。
// GET /get_prefs
func (h *ProxyHandler) GetPrefs(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireLoginToken(w, r)
	if !ok {
		return
	}

	resp, err := h.relay.GetPrefs(r.Context(), token)
	if err != nil {
		h.relayFailed(w, err)
		return
	}
	writeRaw(w, resp.StatusCode, resp.ContentType, resp.Body)
}

// SavePrefs はPDSの/save_prefsを中継し、成功時は保存したボディを返す。
// POST /save_prefs
func (h *ProxyHandler) SavePrefs(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireLoginToken(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		middleware.WriteError(w, model.NewInvalidBodyError(err.Error()))
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	resp, err := h.relay.SavePrefs(r.Context(), token, body)
	if err != nil {
		h.relayFailed(w, err)
		return
	}
	if !resp.OK() {
		writeRaw(w, resp.StatusCode, resp.ContentType, resp.Body)
		return
	}
	writeRaw(w, http.StatusOK, "application/json", body)
}

// Logout はPDSでトークンを失効させ、Cookieを削除して匿名のプリファレンスに戻す。
// POST /logout
func (h *ProxyHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := h.loginToken(r); ok {
		resp, err := h.relay.Logout(r.Context(), token)
		switch {
		case err != nil:
			slog.Warn("logout relay failed", slog.String("error", err.Error()))
		case !resp.OK() && resp.StatusCode != http.StatusUnauthorized:
			slog.Warn("logout relay rejected", slog.Int("status", resp.StatusCode))
		}
	}

	http.SetCookie(w, h.loginCookie("", -1))

	eng := h.engine(w, r, "")
	change, err := eng.OnAuthTransition(reconcile.WithAuthState(r.Context(), false), false)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// LoginPrefs はログイン直後の統合をページから明示的に実行する。
// 匿名のプリファレンスを認証済みストアへ統合し、統合後のモデルを返す。
// POST /api/prefs/login
func (h *ProxyHandler) LoginPrefs(w http.ResponseWriter, r *http.Request) {
	token, ok := h.requireLoginToken(w, r)
	if !ok {
		return
	}

	eng := h.engine(w, r, token)
	change, err := eng.OnAuthTransition(reconcile.WithAuthState(r.Context(), true), true)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// ReadPrefs はログイン状態に応じたストアのプリファレンスを返す。
// GET /api/prefs
func (h *ProxyHandler) ReadPrefs(w http.ResponseWriter, r *http.Request) {
	eng, ctx := h.engineFor(w, r)
	prefs, err := eng.Read(ctx)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefsEnvelope{Preferences: prefs})
}

// WritePrefs はログイン状態に応じたストアにプリファレンスを書き込む。
// PUT /api/prefs
func (h *ProxyHandler) WritePrefs(w http.ResponseWriter, r *http.Request) {
	var env prefsEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&env); err != nil {
		middleware.WriteError(w, model.NewInvalidBodyError(err.Error()))
		return
	}
	if env.Preferences == nil {
		env.Preferences = model.Preferences{}
	}

	eng, ctx := h.engineFor(w, r)
	change, err := eng.Write(ctx, env.Preferences)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// ResetPrefs はプリファレンスを初期化する。
// POST /api/prefs/reset
func (h *ProxyHandler) ResetPrefs(w http.ResponseWriter, r *http.Request) {
	eng, ctx := h.engineFor(w, r)
	change, err := eng.Reset(ctx)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// engineFor はCookieから導いたログイン状態でEngineとコンテキストを組み立てる。
func (h *ProxyHandler) engineFor(w http.ResponseWriter, r *http.Request) (*reconcile.Engine, context.Context) {
	token, loggedIn := h.loginToken(r)
	return h.engine(w, r, token), reconcile.WithAuthState(r.Context(), loggedIn)
}

// engine はリクエストごとのEngineを生成する。tokenが空の場合は認証済みストアを持たない。
func (h *ProxyHandler) engine(w http.ResponseWriter, r *http.Request, token string) *reconcile.Engine {
	stores := reconcile.Stores{
		Anonymous: NewCookieStore(w, r, CookieStoreConfig{
			Secure: h.config.CookieSecure,
			Domain: h.config.CookieDomain,
		}),
	}
	if token != "" {
		stores.Authenticated = h.authed(token)
	}
	return reconcile.NewEngine(stores, reconcile.NewModel(h.defaults), h.defaults, h.metrics)
}

func (h *ProxyHandler) loginToken(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(h.config.LoginCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func (h *ProxyHandler) requireLoginToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := h.loginToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, messageResponse{
			Message: "Unauthorized. Missing '" + h.config.LoginCookieName + "' cookie value.",
		})
	}
	return token, ok
}

func (h *ProxyHandler) loginCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.config.LoginCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (h *ProxyHandler) relayFailed(w http.ResponseWriter, err error) {
	slog.Error("relay request failed", slog.String("error", err.Error()))
	middleware.WriteErrorResponse(w, http.StatusBadGateway, msgRelayUnreachable)
}
