package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/prefsync/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したアクセストークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// FindSubjectByLoginToken は有効期限内のログイントークンから認証主体を取得する。
// 見つからない、または期限切れの場合はnilを返す。
func (r *PostgresTokenRepo) FindSubjectByLoginToken(ctx context.Context, loginToken string) (*model.Subject, error) {
	subject := &model.Subject{}
	err := r.db.QueryRowContext(ctx,
		`SELECT a.user_id, t.sso_account_id, a.provider, t.expires_at
		 FROM access_tokens t
		 JOIN sso_accounts a ON a.id = t.sso_account_id
		 WHERE t.login_token = $1 AND t.expires_at > now()`,
		loginToken,
	).Scan(&subject.UserID, &subject.SsoAccountID, &subject.Provider, &subject.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find login token: %w", err)
	}
	return subject, nil
}

// DeleteByLoginToken はログイントークンを削除する。存在しない場合もエラーにしない。
func (r *PostgresTokenRepo) DeleteByLoginToken(ctx context.Context, loginToken string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM access_tokens WHERE login_token = $1`,
		loginToken,
	); err != nil {
		return fmt.Errorf("failed to delete login token: %w", err)
	}
	return nil
}

// ListLoginTokensByUserID はユーザーに紐づく全ログイントークンを返す。
func (r *PostgresTokenRepo) ListLoginTokensByUserID(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.login_token
		 FROM access_tokens t
		 JOIN sso_accounts a ON a.id = t.sso_account_id
		 WHERE a.user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list login tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan login token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login tokens: %w", err)
	}
	return tokens, nil
}

// compile-time interface check
var _ AccessTokenRepository = (*PostgresTokenRepo)(nil)
