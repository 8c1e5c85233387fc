// Package account は外部IdPのプロフィールから既存アカウントを特定する解決処理と、
// 新規アカウントの作成処理を提供する。
package account

import (
	"context"
	"fmt"

	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/repository"
)

// Resolver は外部IdPのプロフィールに対応する既存アカウントを特定する。
type Resolver struct {
	accounts repository.AccountRepository
}

// NewResolver はResolverを生成する。
func NewResolver(accounts repository.AccountRepository) *Resolver {
	return &Resolver{accounts: accounts}
}

// Resolve はメールアドレスの一致と(provider, subject_id)の紐付けの両方を満たす
// アカウントを返す。一致しない場合は(nil, nil)を返し、呼び出し側は新規作成に進む。
// メールアドレスのみ、紐付けのみの一致では解決しない。
func (r *Resolver) Resolve(ctx context.Context, identity *model.ExternalIdentity) (*model.Account, error) {
	if identity.Email == "" || identity.SubjectID == "" {
		return nil, nil
	}

	account, err := r.accounts.FindByEmailAndIdentity(ctx, identity.Email, identity.Provider, identity.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}
	return account, nil
}
