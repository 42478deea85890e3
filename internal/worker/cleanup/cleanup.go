// Package cleanup は期限切れログイントークンの自動削除ジョブを提供する。
// access_tokensのうち有効期限を猶予期間以上過ぎた行を定期的に削除する。
// 検証キャッシュのTTLはトークンの有効期限を超えないため、キャッシュ側の削除は不要。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TokenPurgeJob は期限切れアクセストークンの削除ジョブ。
// 削除は冪等で、対象がなくてもエラーにならない。
type TokenPurgeJob struct {
	db     Executor
	logger *slog.Logger

	// Grace は有効期限から削除までの猶予。デフォルトは0。
	Grace time.Duration
}

// NewTokenPurgeJob は新しいTokenPurgeJobを生成する。
func NewTokenPurgeJob(db Executor, logger *slog.Logger) *TokenPurgeJob {
	return &TokenPurgeJob{
		db:     db,
		logger: logger,
	}
}

// Run は有効期限をGrace以上過ぎたアクセストークンを削除し、削除件数を返す。
func (j *TokenPurgeJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.Grace/time.Second))

	query := `DELETE FROM access_tokens WHERE expires_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("failed to purge expired access tokens",
			slog.String("error", err.Error()),
			slog.Duration("grace", j.Grace),
		)
		return 0, fmt.Errorf("failed to purge expired access tokens: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purged row count: %w", err)
	}

	j.logger.Info("expired access tokens purged",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("grace", j.Grace),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deletedCount, nil
}

// Start は指定間隔のティッカーでジョブを実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (j *TokenPurgeJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("token purge job started", slog.Duration("interval", interval))

	// 失敗はRun内でログ済みのため、次の周期で再試行する
	j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("token purge job stopped")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
