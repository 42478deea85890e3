// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/prefsync/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsso_accounts、access_tokens、preferencesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// LoginRepository はSSOログイン結果の永続化インターフェース。
type LoginRepository interface {
	// UpsertLogin はUser、SsoAccount、AccessTokenを単一トランザクションでUPSERTする。
	// 同一(provider, provider_user_id)に対する呼び出しはDB上で直列化される。
	// いずれかの書き込みに失敗した場合は何もコミットしない。
	UpsertLogin(ctx context.Context, rec *model.LoginRecord) (*model.LoginOutcome, error)
}

// AccessTokenRepository はログイントークンの参照・失効インターフェース。
type AccessTokenRepository interface {
	// FindSubjectByLoginToken は有効期限内のログイントークンから認証主体を取得する。
	// 見つからない、または期限切れの場合はnilを返す。
	FindSubjectByLoginToken(ctx context.Context, loginToken string) (*model.Subject, error)

	// DeleteByLoginToken はログイントークンを削除する。存在しない場合もエラーにしない。
	DeleteByLoginToken(ctx context.Context, loginToken string) error

	// ListLoginTokensByUserID はユーザーに紐づく全ログイントークンを返す。
	ListLoginTokensByUserID(ctx context.Context, userID string) ([]string, error)
}

// ProviderRepository はSSOプロバイダーのクレデンシャル永続化インターフェース。
type ProviderRepository interface {
	// FindByProvider はプロバイダー名でクレデンシャルを取得する。見つからない場合はnilを返す。
	FindByProvider(ctx context.Context, provider string) (*model.AppSsoProvider, error)

	// Upsert はクレデンシャルを登録または更新する。
	Upsert(ctx context.Context, p *model.AppSsoProvider) error
}

// PreferenceRepository は認証済みプリファレンスの永続化インターフェース。
type PreferenceRepository interface {
	// FindByUserID はユーザーのプリファレンスを取得する。未保存の場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (model.Preferences, error)

	// Save はユーザーのプリファレンスを丸ごと置き換える。
	Save(ctx context.Context, userID string, prefs model.Preferences) error
}
