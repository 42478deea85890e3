package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/prefsync/internal/metrics"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/repository"
)

// CallbackParams はプロバイダーからのコールバックのクエリパラメータ。
type CallbackParams struct {
	Code  string
	Error string
	State string
}

// TokenIssuer はリンク済みのログイントークンを有効化する。
type TokenIssuer interface {
	Issue(ctx context.Context, result *model.SessionResult) (string, error)
}

// LinkerConfig はLinkerの設定。
type LinkerConfig struct {
	LoginTokenMaxAge  int // 秒。プロバイダーがexpires_inを返さない場合に使う
	DefaultRefererURL string
	StateTTL          time.Duration
}

// Linker はSSOのコード交換を行い、User、SsoAccount、AccessTokenを連携する。
type Linker struct {
	providers Registry
	creds     repository.ProviderRepository
	logins    repository.LoginRepository
	tokens    TokenIssuer
	states    StateStore
	metrics   metrics.MetricsCollector
	config    LinkerConfig

	locks *keyedMutex
	now   func() time.Time
}

// NewLinker はLinkerを生成する。
func NewLinker(
	providers Registry,
	creds repository.ProviderRepository,
	logins repository.LoginRepository,
	tokens TokenIssuer,
	states StateStore,
	mc metrics.MetricsCollector,
	config LinkerConfig,
) *Linker {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Linker{
		providers: providers,
		creds:     creds,
		logins:    logins,
		tokens:    tokens,
		states:    states,
		metrics:   mc,
		config:    config,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

// LoginURL はstateを発行して遷移元URLを保存し、プロバイダーの認可URLを返す。
func (l *Linker) LoginURL(ctx context.Context, providerName, refererURL string) (string, error) {
	provider, creds, err := l.resolveProvider(ctx, providerName)
	if err != nil {
		return "", err
	}

	state, err := GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	if refererURL == "" {
		refererURL = l.config.DefaultRefererURL
	}
	if err := l.states.Save(ctx, state, refererURL, l.config.StateTTL); err != nil {
		return "", &model.StoreUnavailableError{Store: "oauth state", Err: err}
	}

	return provider.AuthCodeURL(*creds, state), nil
}

// ExchangeCode は認可コードを交換し、ログインセッションを発行する。
//
// 拒否とコード欠落はプロバイダーに問い合わせずに返す。
// プロバイダーの非2xxはProviderProtocolErrorとしてそのまま返す。
// 同一(provider, subject)の並行呼び出しは直列化され、アカウントは重複しない。
func (l *Linker) ExchangeCode(ctx context.Context, providerName string, params CallbackParams) (*model.SessionResult, error) {
	result, err := l.exchangeCode(ctx, providerName, params)
	l.metrics.RecordLogin(providerName, loginOutcome(err))
	return result, err
}

func (l *Linker) exchangeCode(ctx context.Context, providerName string, params CallbackParams) (*model.SessionResult, error) {
	if params.Error != "" {
		slog.Info("sso login denied",
			slog.String("provider", providerName),
			slog.String("reason", params.Error),
		)
		return nil, &model.ProviderDeniedError{Reason: params.Error}
	}
	if params.Code == "" {
		return nil, model.NewMissingCodeError()
	}

	provider, creds, err := l.resolveProvider(ctx, providerName)
	if err != nil {
		return nil, err
	}

	// 1. 認可コードをトークンに交換
	token, err := provider.Exchange(ctx, *creds, params.Code)
	if err != nil {
		return nil, err
	}

	// 2. プロフィールを取得
	profile, err := provider.FetchProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	// 3. ログイントークンを生成
	loginToken, err := GenerateLoginToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate login token: %w", err)
	}
	now := l.now()
	maxAge := l.config.LoginTokenMaxAge
	if !token.Expiry.IsZero() {
		if secs := int(token.Expiry.Sub(now).Seconds()); secs > 0 {
			maxAge = secs
		}
	}
	expiresAt := now.Add(time.Duration(maxAge) * time.Second)

	rec := &model.LoginRecord{
		Provider:       providerName,
		ProviderUserID: profile.Subject,
		Name:           profile.Name,
		Email:          profile.Email,
		Verified:       profile.Verified,
		UserInfo:       profile.Raw,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		LoginToken:     loginToken,
		ExpiresAt:      expiresAt,
	}
	referer := l.consumeReferer(ctx, params.State)

	// 4. 同一主体ごとに直列化してUPSERTとトークン発行を行う
	result, outcome, err := l.link(ctx, rec, maxAge, referer)
	if err != nil {
		return nil, err
	}

	slog.Info("sso login linked",
		slog.String("user_id", outcome.User.ID),
		slog.String("provider", providerName),
		slog.Bool("created", outcome.Created),
	)
	return result, nil
}

// link はUPSERTとTokenStoreへの発行を同一主体のロック内で行う。
// 置き換えられた旧トークンは、その発行より後にキャッシュから除去される。
func (l *Linker) link(ctx context.Context, rec *model.LoginRecord, maxAge int, referer string) (*model.SessionResult, *model.LoginOutcome, error) {
	unlock := l.locks.Lock(rec.Provider + ":" + rec.ProviderUserID)
	defer unlock()

	outcome, err := l.logins.UpsertLogin(ctx, rec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to link sso account: %w", err)
	}

	result := &model.SessionResult{
		LoginToken:     rec.LoginToken,
		MaxAge:         maxAge,
		RedirectTarget: referer,
		Subject: model.Subject{
			UserID:       outcome.User.ID,
			SsoAccountID: outcome.Account.ID,
			Provider:     rec.Provider,
			ExpiresAt:    rec.ExpiresAt,
		},
		Superseded: outcome.Superseded,
	}

	if _, err := l.tokens.Issue(ctx, result); err != nil {
		return nil, nil, fmt.Errorf("failed to issue login token: %w", err)
	}
	return result, outcome, nil
}

func (l *Linker) resolveProvider(ctx context.Context, name string) (Provider, *Credentials, error) {
	provider, ok := l.providers[name]
	if !ok {
		return nil, nil, model.NewUnknownProviderError(name)
	}

	row, err := l.creds.FindByProvider(ctx, name)
	if err != nil {
		return nil, nil, &model.StoreUnavailableError{Store: "sso provider", Err: err}
	}
	if row == nil {
		return nil, nil, model.NewUnknownProviderError(name)
	}
	return provider, &Credentials{ClientID: row.ClientID, ClientSecret: row.ClientSecret}, nil
}

// consumeReferer はstateに紐づく遷移元URLを返す。見つからなければ既定値を使う。
func (l *Linker) consumeReferer(ctx context.Context, state string) string {
	if state == "" {
		return l.config.DefaultRefererURL
	}
	referer, err := l.states.Consume(ctx, state)
	if err != nil {
		slog.Warn("failed to consume oauth state", slog.String("error", err.Error()))
	}
	if referer == "" {
		return l.config.DefaultRefererURL
	}
	return referer
}

// GenerateLoginToken は暗号的に安全なログイントークン（64桁の16進）を生成する。
func GenerateLoginToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func loginOutcome(err error) string {
	var (
		deniedErr     *model.ProviderDeniedError
		validationErr *model.ValidationError
		protocolErr   *model.ProviderProtocolError
		storeErr      *model.StoreUnavailableError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &deniedErr):
		return "denied"
	case errors.As(err, &validationErr):
		return "invalid"
	case errors.As(err, &protocolErr):
		return "provider_error"
	case errors.As(err, &storeErr):
		return "store_unavailable"
	default:
		return "error"
	}
}
