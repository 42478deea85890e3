// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// DefaultRole は新規ユーザーに付与される基本ロール。
const DefaultRole = "user"

// User はサービス利用ユーザーを表す。
// Usernameは作成時にプロバイダーのメールアドレスから導出し、以後上書きしない。
type User struct {
	ID        string
	Name      string
	Username  string
	Email     string
	Roles     []string
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SsoAccount はユーザーと外部IdPの紐付け情報を表す。
// (Provider, ProviderUserID) の組はシステム全体で一意。
type SsoAccount struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	UserInfo       json.RawMessage // プロバイダーから取得したuserinfoの生データ
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccessToken はプロバイダーのOAuthクレデンシャルとローカル発行のログイントークンを表す。
// SsoAccountごとに最大1件のみ存在する。
type AccessToken struct {
	SsoAccountID string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	LoginToken   string
	CreatedAt    time.Time
}

// AppSsoProvider はアプリケーションに登録されたSSOプロバイダーのクレデンシャル。
type AppSsoProvider struct {
	Provider     string
	ClientID     string
	ClientSecret string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Subject はログイントークンの検証で得られる認証済み主体。
type Subject struct {
	UserID       string
	SsoAccountID string
	Provider     string
	ExpiresAt    time.Time
}

// LoginRecord はログイン時にアトミックに永続化する内容をまとめたもの。
type LoginRecord struct {
	Provider       string
	ProviderUserID string
	Name           string
	Email          string
	Verified       bool
	UserInfo       json.RawMessage

	AccessToken  string
	RefreshToken string
	LoginToken   string
	ExpiresAt    time.Time
}

// LoginOutcome はUpsertLoginの結果。
type LoginOutcome struct {
	User       *User
	Account    *SsoAccount
	Created    bool   // ユーザーを新規作成した場合true
	Superseded string // 置き換えられた旧ログイントークン（なければ空）
}

// SessionResult はSSOログイン完了時にクライアントへ返す内容。
type SessionResult struct {
	LoginToken     string
	MaxAge         int // 秒
	RedirectTarget string

	Subject    Subject
	Superseded string
}
