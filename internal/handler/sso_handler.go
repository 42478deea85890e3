// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/prefsync/internal/auth"
	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
)

// LinkerService はSSOハンドラーが必要とするIdentityLinkerのインターフェース。
type LinkerService interface {
	LoginURL(ctx context.Context, provider, refererURL string) (string, error)
	ExchangeCode(ctx context.Context, provider string, params auth.CallbackParams) (*model.SessionResult, error)
}

// SSOHandlerConfig はSSOハンドラーの設定。
type SSOHandlerConfig struct {
	// LoginRedirectURL が設定されている場合、ログイン完了時にこのURLへ302でトークンを渡す。
	// 未設定の場合はJSONで返す。
	LoginRedirectURL string
}

// SSOHandler はSSOログインフローのHTTPハンドラー。
type SSOHandler struct {
	linker LinkerService
	config SSOHandlerConfig
}

// NewSSOHandler はSSOHandlerを生成する。
func NewSSOHandler(linker LinkerService, config SSOHandlerConfig) *SSOHandler {
	return &SSOHandler{linker: linker, config: config}
}

// loginResponse はログイン完了時のJSONボディ。
type loginResponse struct {
	LoginToken string `json:"loginToken"`
	MaxAge     int    `json:"maxAge"`
	RefererURL string `json:"refererUrl"`
}

// Login はプロバイダーの認可画面へリダイレクトする。
// GET /sso/{provider}?refererUrl=
func (h *SSOHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	target, err := h.linker.LoginURL(r.Context(), provider, r.URL.Query().Get("refererUrl"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// Callback はプロバイダーからのコールバックを処理する。
// GET /sso/{provider}/login/callback?code=xxx&state=yyy
func (h *SSOHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	result, err := h.linker.ExchangeCode(r.Context(), provider, auth.CallbackParams{
		Code:  q.Get("code"),
		Error: q.Get("error"),
		State: q.Get("state"),
	})
	if err != nil {
		slog.Warn("sso callback failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, err)
		return
	}

	if h.config.LoginRedirectURL == "" {
		writeJSON(w, http.StatusOK, loginResponse{
			LoginToken: result.LoginToken,
			MaxAge:     result.MaxAge,
			RefererURL: result.RedirectTarget,
		})
		return
	}

	target, err := loginRedirectURL(h.config.LoginRedirectURL, result)
	if err != nil {
		slog.Error("invalid login redirect url", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// loginRedirectURL はエッジプロキシの/redirectに渡すURLを組み立てる。
func loginRedirectURL(base string, result *model.SessionResult) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("loginToken", result.LoginToken)
	q.Set("maxAge", strconv.Itoa(result.MaxAge))
	q.Set("refererUrl", result.RedirectTarget)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
