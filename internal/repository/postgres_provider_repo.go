package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/prefsync/internal/model"
)

// PostgresProviderRepo はapp_sso_providersテーブルのリポジトリ。
type PostgresProviderRepo struct {
	db *sql.DB
}

// NewPostgresProviderRepo はPostgresProviderRepoを生成する。
func NewPostgresProviderRepo(db *sql.DB) *PostgresProviderRepo {
	return &PostgresProviderRepo{db: db}
}

// FindByProvider はプロバイダー名でクレデンシャルを取得する。見つからない場合はnilを返す。
func (r *PostgresProviderRepo) FindByProvider(ctx context.Context, provider string) (*model.AppSsoProvider, error) {
	p := &model.AppSsoProvider{}
	err := r.db.QueryRowContext(ctx,
		`SELECT provider, client_id, client_secret, created_at, updated_at
		 FROM app_sso_providers WHERE provider = $1`,
		provider,
	).Scan(&p.Provider, &p.ClientID, &p.ClientSecret, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sso provider: %w", err)
	}
	return p, nil
}

// Upsert はクレデンシャルを登録または更新する。
func (r *PostgresProviderRepo) Upsert(ctx context.Context, p *model.AppSsoProvider) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO app_sso_providers (provider, client_id, client_secret)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (provider) DO UPDATE SET
		   client_id = EXCLUDED.client_id,
		   client_secret = EXCLUDED.client_secret,
		   updated_at = now()`,
		p.Provider, p.ClientID, p.ClientSecret,
	); err != nil {
		return fmt.Errorf("failed to upsert sso provider: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ProviderRepository = (*PostgresProviderRepo)(nil)
