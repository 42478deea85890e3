package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/prefsync/internal/logger"
	"github.com/hitoshi/prefsync/internal/middleware"
	"github.com/hitoshi/prefsync/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw はユーザーの退会処理を実行する。
	// sso_accounts、access_tokens、preferencesはCASCADE削除される。
	Withdraw(ctx context.Context, userID string) error
}

// TokenRevoker はログイントークンの失効インターフェース。tokenstore.Storeが満たす。
type TokenRevoker interface {
	Revoke(ctx context.Context, token string) error
}

// UserHandler はログアウトと退会のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	revoker TokenRevoker
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, revoker TokenRevoker) *UserHandler {
	return &UserHandler{
		service: service,
		revoker: revoker,
	}
}

// Logout はリクエストのログイントークンを失効させる。
// POST /logout
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.LoginTokenFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	if err := h.revoker.Revoke(r.Context(), token); err != nil {
		slog.Error("failed to revoke login token",
			slog.String("token", logger.MaskToken(token)),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Withdraw はユーザーの退会処理を実行する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.ErrUnauthorized)
		return
	}

	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		middleware.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
