// Package user はログイン済みアカウントの管理（プロフィール・電話番号・退会）を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/storeauth/internal/billing"
	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/repository"
)

// phoneNumberPattern はE.164形式の電話番号。
var phoneNumberPattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Profile はアカウントと紐付いている外部IdPの一覧。
type Profile struct {
	Account   *model.Account
	Providers []model.Provider
}

// Service はアカウント管理のサービス層。
type Service struct {
	accounts   repository.AccountRepository
	identities repository.IdentityRepository
	billing    billing.Customers
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	accounts repository.AccountRepository,
	identities repository.IdentityRepository,
	customers billing.Customers,
	logger *slog.Logger,
) *Service {
	return &Service{
		accounts:   accounts,
		identities: identities,
		billing:    customers,
		logger:     logger,
	}
}

// Profile はアカウントのプロフィールを返す。
func (s *Service) Profile(ctx context.Context, accountID string) (*Profile, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}

	links, err := s.identities.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("外部IdP紐付けの取得に失敗しました: %w", err)
	}

	providers := make([]model.Provider, 0, len(links))
	for _, l := range links {
		providers = append(providers, l.Provider)
	}

	return &Profile{Account: account, Providers: providers}, nil
}

// UpdatePhoneNumber は電話番号を設定する。確認済みフラグと発行中のコードはリセットされる。
func (s *Service) UpdatePhoneNumber(ctx context.Context, accountID, phoneNumber string) error {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if !phoneNumberPattern.MatchString(phoneNumber) {
		return model.NewValidationError(map[string]string{
			"phone_number": "電話番号は国番号付きの形式（例: +819012345678）で入力してください。",
		})
	}

	if err := s.accounts.UpdatePhoneNumber(ctx, accountID, phoneNumber); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewAccountNotFoundError()
		}
		return fmt.Errorf("電話番号の更新に失敗しました: %w", err)
	}

	s.logger.Info("電話番号を更新しました", slog.String("account_id", accountID))
	return nil
}

// Withdraw はアカウントを削除する。外部IdP紐付けはCASCADE削除される。
// 課金顧客の削除はベストエフォートで行い、失敗してもエラーにしない。
// 発行済みの確認コード消去ジョブは削除後に何もしない。
func (s *Service) Withdraw(ctx context.Context, accountID string) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if account == nil {
		return model.NewAccountNotFoundError()
	}

	logger := s.logger.With(slog.String("account_id", accountID))
	logger.Info("退会処理を開始します")

	if err := s.accounts.DeleteByID(ctx, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewAccountNotFoundError()
		}
		return fmt.Errorf("アカウントの削除に失敗しました: %w", err)
	}

	if account.BillingCustomerID != "" {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.billing.DeleteCustomer(bctx, account.BillingCustomerID); err != nil {
			logger.Error("課金顧客の削除に失敗しました",
				slog.String("billing_customer_id", account.BillingCustomerID),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("退会処理が完了しました")
	return nil
}
