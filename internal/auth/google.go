package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hitoshi/prefsync/internal/model"
	"golang.org/x/oauth2"
)

// ProviderGoogle はGoogleプロバイダーの識別子。
const ProviderGoogle = "google"

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// GoogleConfig はGoogleプロバイダーの設定。
type GoogleConfig struct {
	RedirectURL string
	Timeout     time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleProvider はGoogle OAuth 2.0による認証を提供する。
type GoogleProvider struct {
	config     GoogleConfig
	httpClient *http.Client
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(config GoogleConfig) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &GoogleProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Name はプロバイダー名を返す。
func (p *GoogleProvider) Name() string {
	return ProviderGoogle
}

func (p *GoogleProvider) oauthConfig(creds Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  p.config.RedirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.config.AuthURL,
			TokenURL:  p.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL はGoogleの認可URLを生成する。
func (p *GoogleProvider) AuthCodeURL(creds Credentials, state string) string {
	return p.oauthConfig(creds).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange は認可コードをトークンに交換する。
// 非2xxの場合はプロバイダーのステータスとボディをProviderProtocolErrorに保持する。
func (p *GoogleProvider) Exchange(ctx context.Context, creds Credentials, code string) (*ProviderToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.oauthConfig(creds).Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, &model.ProviderProtocolError{
				Stage:       model.StageTokenExchange,
				StatusCode:  retrieveErr.Response.StatusCode,
				ContentType: retrieveErr.Response.Header.Get("Content-Type"),
				Body:        retrieveErr.Body,
				Err:         err,
			}
		}
		return nil, transportError(model.StageTokenExchange, err)
	}

	return &ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// googleUserInfo はv2とv3のuserinfoの両方を受け付ける。
type googleUserInfo struct {
	ID            string `json:"id"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	VerifiedEmail *bool  `json:"verified_email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
}

// FetchProfile はアクセストークンでGoogleのユーザー情報を取得する。
func (p *GoogleProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, transportError(model.StageProfileFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(model.StageProfileFetch, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.ProviderProtocolError{
			Stage:       model.StageProfileFetch,
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	subject := info.ID
	if subject == "" {
		subject = info.Sub
	}
	if subject == "" {
		return nil, fmt.Errorf("empty subject in user info response")
	}

	verified := false
	switch {
	case info.VerifiedEmail != nil:
		verified = *info.VerifiedEmail
	case info.EmailVerified != nil:
		verified = *info.EmailVerified
	}

	return &Profile{
		Subject:    subject,
		Email:      info.Email,
		Verified:   verified,
		Name:       info.Name,
		GivenName:  info.GivenName,
		FamilyName: info.FamilyName,
		Picture:    info.Picture,
		Locale:     info.Locale,
		Raw:        json.RawMessage(body),
	}, nil
}

// transportError はレスポンスを得られなかった呼び出し失敗をProviderProtocolErrorに変換する。
// タイムアウトは504、それ以外は502とする。
func transportError(stage model.ProviderStage, err error) *model.ProviderProtocolError {
	status := http.StatusBadGateway
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status = http.StatusGatewayTimeout
	}

	body, _ := json.Marshal(model.APIError{
		IsError: true,
		Message: fmt.Sprintf("SSO provider request failed during %s", stage),
	})

	return &model.ProviderProtocolError{
		Stage:       stage,
		StatusCode:  status,
		ContentType: "application/json",
		Body:        body,
		Err:         err,
	}
}

// compile-time interface check
var _ Provider = (*GoogleProvider)(nil)
