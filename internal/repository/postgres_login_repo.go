package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/prefsync/internal/model"
	"github.com/lib/pq"
)

// PostgresLoginRepo はSSOログインのアトミックなUPSERTを行うリポジトリ。
type PostgresLoginRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresLoginRepo はPostgresLoginRepoを生成する。
func NewPostgresLoginRepo(db *sql.DB) *PostgresLoginRepo {
	return &PostgresLoginRepo{db: db, now: time.Now}
}

// UpsertLogin はUser、SsoAccount、AccessTokenを単一トランザクションでUPSERTする。
//
// 同一(provider, provider_user_id)の並行ログインはpg_advisory_xact_lockで直列化するため、
// SsoAccountが重複作成されることはない。ロックはトランザクション終了時に解放される。
func (r *PostgresLoginRepo) UpsertLogin(ctx context.Context, rec *model.LoginRecord) (*model.LoginOutcome, error) {
	if rec.Provider == "" || rec.ProviderUserID == "" {
		return nil, fmt.Errorf("provider and provider user id are required")
	}
	if rec.LoginToken == "" {
		return nil, fmt.Errorf("login token is required")
	}

	// lib/pqは[]byteをbyteaとして送るため、jsonb列には文字列で渡す
	userInfo := string(rec.UserInfo)
	if userInfo == "" {
		userInfo = "{}"
	}

	var out *model.LoginOutcome
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
			rec.Provider, rec.ProviderUserID,
		); err != nil {
			return fmt.Errorf("failed to acquire identity lock: %w", err)
		}

		account, err := findAccountForUpdate(ctx, tx, rec.Provider, rec.ProviderUserID)
		if err != nil {
			return err
		}

		now := r.now()
		outcome := &model.LoginOutcome{}

		if account != nil {
			// 既存アカウント: プロフィールのスナップショットのみ上書きする
			if _, err := tx.ExecContext(ctx,
				`UPDATE sso_accounts SET user_info = $2, updated_at = $3 WHERE id = $1`,
				account.ID, userInfo, now,
			); err != nil {
				return fmt.Errorf("failed to update sso account: %w", err)
			}
			account.UserInfo = []byte(userInfo)
			account.UpdatedAt = now

			user, err := scanUser(ctx, tx, account.UserID)
			if err != nil {
				return fmt.Errorf("failed to load account owner: %w", err)
			}
			if user == nil {
				return fmt.Errorf("sso account %s has no owning user", account.ID)
			}
			outcome.User = user
		} else {
			user := &model.User{
				ID:        uuid.New().String(),
				Name:      rec.Name,
				Username:  rec.Email,
				Email:     rec.Email,
				Roles:     []string{model.DefaultRole},
				Verified:  rec.Verified,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO users (id, name, username, email, roles, verified, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				user.ID, user.Name, user.Username, user.Email, pq.Array(user.Roles),
				user.Verified, user.CreatedAt, user.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert user: %w", err)
			}

			account = &model.SsoAccount{
				ID:             uuid.New().String(),
				UserID:         user.ID,
				Provider:       rec.Provider,
				ProviderUserID: rec.ProviderUserID,
				UserInfo:       []byte(userInfo),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sso_accounts (id, user_id, provider, provider_user_id, user_info, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				account.ID, account.UserID, account.Provider, account.ProviderUserID,
				userInfo, account.CreatedAt, account.UpdatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert sso account: %w", err)
			}

			outcome.User = user
			outcome.Created = true
		}
		outcome.Account = account

		superseded, err := replaceAccessToken(ctx, tx, account.ID, rec, now)
		if err != nil {
			return err
		}
		outcome.Superseded = superseded

		out = outcome
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func findAccountForUpdate(ctx context.Context, tx *sql.Tx, provider, providerUserID string) (*model.SsoAccount, error) {
	account := &model.SsoAccount{}
	var userInfo []byte
	err := tx.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, user_info, created_at, updated_at
		 FROM sso_accounts
		 WHERE provider = $1 AND provider_user_id = $2
		 FOR UPDATE`,
		provider, providerUserID,
	).Scan(&account.ID, &account.UserID, &account.Provider, &account.ProviderUserID,
		&userInfo, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sso account: %w", err)
	}
	account.UserInfo = userInfo
	return account, nil
}

// replaceAccessToken はアカウントのアクセストークン行を置き換え、旧ログイントークンを返す。
// 新しいリフレッシュトークンが空の場合は既存の値を維持する。
func replaceAccessToken(ctx context.Context, tx *sql.Tx, accountID string, rec *model.LoginRecord, now time.Time) (string, error) {
	var previous sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT login_token FROM access_tokens WHERE sso_account_id = $1 FOR UPDATE`,
		accountID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read current access token: %w", err)
	}

	var refresh sql.NullString
	if rec.RefreshToken != "" {
		refresh = sql.NullString{String: rec.RefreshToken, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO access_tokens (sso_account_id, access_token, refresh_token, expires_at, login_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sso_account_id) DO UPDATE SET
		   access_token  = EXCLUDED.access_token,
		   refresh_token = COALESCE(EXCLUDED.refresh_token, access_tokens.refresh_token),
		   expires_at    = EXCLUDED.expires_at,
		   login_token   = EXCLUDED.login_token,
		   created_at    = EXCLUDED.created_at`,
		accountID, rec.AccessToken, refresh, rec.ExpiresAt, rec.LoginToken, now,
	); err != nil {
		return "", fmt.Errorf("failed to replace access token: %w", err)
	}

	return previous.String, nil
}

// compile-time interface check
var _ LoginRepository = (*PostgresLoginRepo)(nil)
