// Package reconcile は匿名ストアと認証済みストアのプリファレンスをログイン状態の遷移に合わせて統合する。
package reconcile

import "context"

type authStateKey struct{}

// WithAuthState はリクエストのログイン状態をコンテキストに設定する。
func WithAuthState(ctx context.Context, loggedIn bool) context.Context {
	return context.WithValue(ctx, authStateKey{}, loggedIn)
}

// IsLoggedIn はコンテキストのログイン状態を返す。未設定の場合はfalse。
func IsLoggedIn(ctx context.Context) bool {
	loggedIn, _ := ctx.Value(authStateKey{}).(bool)
	return loggedIn
}
