// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/prefsync/internal/model"
	"github.com/hitoshi/prefsync/internal/repository"
)

// TokenRevoker はユーザーの全ログイントークンを失効させるインターフェース。
// tokenstore.Storeが満たす。
type TokenRevoker interface {
	RevokeUser(ctx context.Context, userID string) error
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	tokens   TokenRevoker
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, tokens TokenRevoker) *Service {
	return &Service{
		userRepo: userRepo,
		tokens:   tokens,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: ログイントークンの失効（キャッシュ含む） → user（+ CASCADE: sso_accounts, access_tokens, preferences）
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return &model.StoreUnavailableError{Store: "user", Err: err}
	}
	if user == nil {
		return fmt.Errorf("user %s no longer exists: %w", userID, model.ErrUnauthorized)
	}

	slog.Info("withdrawal started", slog.String("user_id", userID))

	// 行の削除前に失効させ、キャッシュに残った検証結果も消す
	if err := s.tokens.RevokeUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke login tokens: %w", err)
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return &model.StoreUnavailableError{Store: "user", Err: err}
	}

	slog.Info("withdrawal completed", slog.String("user_id", userID))

	return nil
}
