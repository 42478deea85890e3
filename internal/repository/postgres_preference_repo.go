package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/prefsync/internal/model"
)

// PostgresPreferenceRepo は認証済みプリファレンスのリポジトリ。
type PostgresPreferenceRepo struct {
	db *sql.DB
}

// NewPostgresPreferenceRepo はPostgresPreferenceRepoを生成する。
func NewPostgresPreferenceRepo(db *sql.DB) *PostgresPreferenceRepo {
	return &PostgresPreferenceRepo{db: db}
}

// FindByUserID はユーザーのプリファレンスを取得する。未保存の場合はnilを返す。
func (r *PostgresPreferenceRepo) FindByUserID(ctx context.Context, userID string) (model.Preferences, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT preferences FROM preferences WHERE user_id = $1`,
		userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find preferences: %w", err)
	}

	prefs := model.Preferences{}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return prefs, nil
}

// Save はユーザーのプリファレンスを丸ごと置き換える。
func (r *PostgresPreferenceRepo) Save(ctx context.Context, userID string, prefs model.Preferences) error {
	if prefs == nil {
		prefs = model.Preferences{}
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, preferences, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   preferences = EXCLUDED.preferences,
		   updated_at = now()`,
		userID, string(raw),
	); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PreferenceRepository = (*PostgresPreferenceRepo)(nil)
