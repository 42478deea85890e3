// Package auth はSSOプロバイダーとのOAuthフロー、アカウント連携を提供する。
package auth

import (
	"context"
	"encoding/json"
	"time"
)

// Credentials はプロバイダーに登録したクライアントのクレデンシャル。
// app_sso_providersテーブルから交換ごとに読み込む。
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// ProviderToken は認可コード交換で得られるトークン。
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	// Expiry はプロバイダーがexpires_inを返さなかった場合ゼロ値。
	Expiry time.Time
}

// Profile はプロバイダーのuserinfoから取り出したプロフィール。
type Profile struct {
	Subject    string
	Email      string
	Verified   bool
	Name       string
	GivenName  string
	FamilyName string
	Picture    string
	Locale     string

	// Raw はuserinfoレスポンスボディそのもの。
	Raw json.RawMessage
}

// Provider はSSOプロバイダーのインターフェース。
type Provider interface {
	// Name はルーティングとapp_sso_providersで使う識別子を返す。
	Name() string
	// AuthCodeURL は認可画面へのURLを生成する。
	AuthCodeURL(creds Credentials, state string) string
	// Exchange は認可コードをトークンに交換する。リトライしない。
	Exchange(ctx context.Context, creds Credentials, code string) (*ProviderToken, error)
	// FetchProfile はアクセストークンでプロフィールを取得する。
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// Registry は名前でProviderを引く。
type Registry map[string]Provider

// NewRegistry は与えられたProviderを名前で登録したRegistryを返す。
func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}
