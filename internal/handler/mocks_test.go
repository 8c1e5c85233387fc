package handler

import (
	"context"
	"time"

	"github.com/hitoshi/storeauth/internal/auth"
	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/token"
	"github.com/hitoshi/storeauth/internal/user"
)

// --- モック定義 ---

type mockAuthService struct {
	loginWithPasswordFn func(ctx context.Context, email, password string) (*auth.Result, error)
	registerFn          func(ctx context.Context, email, password string) (*auth.Result, error)
	loginWithProviderFn func(ctx context.Context, provider, accessToken string) (*auth.Result, error)
}

func (m *mockAuthService) LoginWithPassword(ctx context.Context, email, password string) (*auth.Result, error) {
	if m.loginWithPasswordFn != nil {
		return m.loginWithPasswordFn(ctx, email, password)
	}
	return nil, model.NewUnauthenticatedError()
}

func (m *mockAuthService) Register(ctx context.Context, email, password string) (*auth.Result, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockAuthService) LoginWithProvider(ctx context.Context, provider, accessToken string) (*auth.Result, error) {
	if m.loginWithProviderFn != nil {
		return m.loginWithProviderFn(ctx, provider, accessToken)
	}
	return nil, nil
}

type mockAccountService struct {
	profileFn           func(ctx context.Context, accountID string) (*user.Profile, error)
	updatePhoneNumberFn func(ctx context.Context, accountID, phoneNumber string) error
	withdrawFn          func(ctx context.Context, accountID string) error
}

func (m *mockAccountService) Profile(ctx context.Context, accountID string) (*user.Profile, error) {
	if m.profileFn != nil {
		return m.profileFn(ctx, accountID)
	}
	return &user.Profile{Account: &model.Account{ID: accountID}}, nil
}

func (m *mockAccountService) UpdatePhoneNumber(ctx context.Context, accountID, phoneNumber string) error {
	if m.updatePhoneNumberFn != nil {
		return m.updatePhoneNumberFn(ctx, accountID, phoneNumber)
	}
	return nil
}

func (m *mockAccountService) Withdraw(ctx context.Context, accountID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, accountID)
	}
	return nil
}

type mockVerificationService struct {
	requestFn func(ctx context.Context, accountID string) error
	confirmFn func(ctx context.Context, accountID, code string) error
}

func (m *mockVerificationService) RequestVerification(ctx context.Context, accountID string) error {
	if m.requestFn != nil {
		return m.requestFn(ctx, accountID)
	}
	return nil
}

func (m *mockVerificationService) ConfirmVerification(ctx context.Context, accountID, code string) error {
	if m.confirmFn != nil {
		return m.confirmFn(ctx, accountID, code)
	}
	return nil
}

var testExpiresAt = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testResult(accountID string) *auth.Result {
	return &auth.Result{
		Token: &token.Token{
			Value:     "signed-token-" + accountID,
			IssuedAt:  testExpiresAt.Add(-24 * time.Hour),
			ExpiresAt: testExpiresAt,
		},
		Account: &model.Account{ID: accountID, Email: accountID + "@example.com"},
	}
}
