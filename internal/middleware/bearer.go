// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/prefsync/internal/logger"
	"github.com/hitoshi/prefsync/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	subjectContextKey    = contextKey("subject")
	loginTokenContextKey = contextKey("login_token")
)

// TokenValidator はログイントークンの検証に必要なインターフェース。
// tokenstore.Storeが満たす。
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*model.Subject, error)
}

// NewBearerMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みの主体とトークンをリクエストコンテキストに注入する。
// トークンの欠落・不正・期限切れは区別せず401を返す。
func NewBearerMiddleware(validator TokenValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.MsgUnauthorized)
				return
			}

			subject, err := validator.Validate(r.Context(), token)
			if err != nil {
				var storeErr *model.StoreUnavailableError
				if errors.As(err, &storeErr) {
					slog.Error("token validation unavailable",
						slog.String("token", logger.MaskToken(token)),
						slog.String("error", err.Error()),
					)
					WriteErrorResponse(w, http.StatusServiceUnavailable, "Token store is not available")
					return
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.MsgUnauthorized)
				return
			}

			annotateUserID(r.Context(), subject.UserID)
			ctx := ContextWithSubject(r.Context(), subject)
			ctx = context.WithValue(ctx, loginTokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// SubjectFromContext はリクエストコンテキストから認証済み主体を取得する。
// Bearerミドルウェアを通過したリクエストでのみ有効。
func SubjectFromContext(ctx context.Context) (*model.Subject, error) {
	subject, ok := ctx.Value(subjectContextKey).(*model.Subject)
	if !ok || subject == nil {
		return nil, fmt.Errorf("subject not found in context")
	}
	return subject, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	subject, err := SubjectFromContext(ctx)
	if err != nil || subject.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return subject.UserID, nil
}

// LoginTokenFromContext は検証済みのログイントークンを取得する。
func LoginTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(loginTokenContextKey).(string)
	return token, ok && token != ""
}

// ContextWithSubject はコンテキストに認証済み主体を注入する。
func ContextWithSubject(ctx context.Context, subject *model.Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// ContextWithUserID はユーザーIDのみを持つ主体をコンテキストに注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithSubject(ctx, &model.Subject{UserID: userID})
}
