// Package auth はパスワード・外部IdPによる認証フローとローカル登録を提供する。
// 各フローは資格情報の検証、アカウントの解決または作成、トークン発行の順に進む。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/storeauth/internal/identity"
	"github.com/hitoshi/storeauth/internal/metrics"
	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/token"
)

// IdentityFetcher は外部IdPのアクセストークンからプロフィールを取得する。
type IdentityFetcher interface {
	FetchIdentity(ctx context.Context, provider model.Provider, accessToken string) (*model.ExternalIdentity, error)
}

// AccountResolver は外部IdPのプロフィールに対応する既存アカウントを返す。
type AccountResolver interface {
	Resolve(ctx context.Context, identity *model.ExternalIdentity) (*model.Account, error)
}

// AccountProvisioner は新規アカウントを作成する。
type AccountProvisioner interface {
	ProvisionWithPassword(ctx context.Context, email, password string) (*model.Account, error)
	ProvisionWithIdentity(ctx context.Context, identity *model.ExternalIdentity) (*model.Account, error)
}

// AccountFinder はメールアドレスでアカウントを検索する。
type AccountFinder interface {
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
}

// CredentialVerifier はパスワードを検証する。
type CredentialVerifier interface {
	Verify(storedHash, password string) (bool, error)
	VerifyDummy(password string)
}

// TokenIssuer はアカウントに対するトークンを発行する。
type TokenIssuer interface {
	Issue(account *model.Account) (*token.Token, error)
}

// Result は認証成功時の結果。
type Result struct {
	Token   *token.Token
	Account *model.Account
}

// Service は認証フローのオーケストレーター。
type Service struct {
	identities  IdentityFetcher
	resolver    AccountResolver
	provisioner AccountProvisioner
	accounts    AccountFinder
	verifier    CredentialVerifier
	issuer      TokenIssuer
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	identities IdentityFetcher,
	resolver AccountResolver,
	provisioner AccountProvisioner,
	accounts AccountFinder,
	verifier CredentialVerifier,
	issuer TokenIssuer,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		identities:  identities,
		resolver:    resolver,
		provisioner: provisioner,
		accounts:    accounts,
		verifier:    verifier,
		issuer:      issuer,
		metrics:     mc,
		logger:      logger,
	}
}

// LoginWithPassword はメールアドレスとパスワードで認証する。
// アカウント不在・パスワード不一致・パスワード未設定のいずれも同じUNAUTHENTICATEDを返す。
func (s *Service) LoginWithPassword(ctx context.Context, email, password string) (*Result, error) {
	const method = "password"

	account, err := s.accounts.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		s.metrics.RecordAuthAttempt(method, "error")
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	if account == nil {
		s.verifier.VerifyDummy(password)
		s.logger.Info("パスワード認証に失敗しました", slog.String("reason", "account_not_found"))
		s.metrics.RecordAuthAttempt(method, "unauthenticated")
		return nil, model.NewUnauthenticatedError()
	}

	logger := s.logger.With(slog.String("account_id", account.ID))

	if account.PasswordHash == "" {
		s.verifier.VerifyDummy(password)
		logger.Info("パスワード認証に失敗しました", slog.String("reason", "no_password"))
		s.metrics.RecordAuthAttempt(method, "unauthenticated")
		return nil, model.NewUnauthenticatedError()
	}

	ok, err := s.verifier.Verify(account.PasswordHash, password)
	if err != nil {
		logger.Error("保存済みパスワードハッシュを検証できません", slog.String("error", err.Error()))
		s.metrics.RecordAuthAttempt(method, "unauthenticated")
		return nil, model.NewUnauthenticatedError()
	}
	if !ok {
		logger.Info("パスワード認証に失敗しました", slog.String("reason", "password_mismatch"))
		s.metrics.RecordAuthAttempt(method, "unauthenticated")
		return nil, model.NewUnauthenticatedError()
	}

	return s.issue(method, account)
}

// Register はメールアドレスとパスワードでアカウントを作成し、トークンを発行する。
func (s *Service) Register(ctx context.Context, email, password string) (*Result, error) {
	const method = "register"

	account, err := s.provisioner.ProvisionWithPassword(ctx, email, password)
	if err != nil {
		s.metrics.RecordAuthAttempt(method, outcomeOf(err))
		return nil, err
	}
	s.metrics.RecordAccountProvisioned("local")

	return s.issue(method, account)
}

// LoginWithProvider は外部IdPのアクセストークンで認証する。
// 一致するアカウントがなければ新規作成する。
func (s *Service) LoginWithProvider(ctx context.Context, providerName, accessToken string) (*Result, error) {
	provider, ok := model.ParseProvider(providerName)
	if !ok {
		return nil, model.NewUnknownProviderError(providerName)
	}
	method := string(provider)
	logger := s.logger.With(slog.String("provider", method))

	start := time.Now()
	ext, err := s.identities.FetchIdentity(ctx, provider, accessToken)
	s.metrics.RecordProviderFetch(method, time.Since(start))
	if err != nil {
		apiErr := mapIdentityError(provider, err)
		if apiErr.Code == model.ErrCodeExternalDependencyFailure {
			logger.Error("外部IdPの呼び出しに失敗しました", slog.String("error", err.Error()))
		} else {
			logger.Info("外部IdPのアカウントを特定できませんでした", slog.String("error", err.Error()))
		}
		s.metrics.RecordAuthAttempt(method, outcomeOf(apiErr))
		return nil, apiErr
	}

	account, err := s.resolver.Resolve(ctx, ext)
	if err != nil {
		s.metrics.RecordAuthAttempt(method, "error")
		return nil, err
	}

	if account == nil {
		account, err = s.provisioner.ProvisionWithIdentity(ctx, ext)
		if err != nil {
			s.metrics.RecordAuthAttempt(method, outcomeOf(err))
			return nil, err
		}
		s.metrics.RecordAccountProvisioned(method)
	}

	return s.issue(method, account)
}

func (s *Service) issue(method string, account *model.Account) (*Result, error) {
	tok, err := s.issuer.Issue(account)
	if err != nil {
		s.metrics.RecordAuthAttempt(method, "error")
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.metrics.RecordAuthAttempt(method, "success")
	s.logger.Info("トークンを発行しました",
		slog.String("account_id", account.ID),
		slog.String("method", method),
	)
	return &Result{Token: tok, Account: account}, nil
}

// mapIdentityError は外部IdPクライアントのエラーをAPIエラーに変換する。
func mapIdentityError(provider model.Provider, err error) *model.APIError {
	switch {
	case errors.Is(err, identity.ErrUnavailable):
		return model.NewExternalDependencyError()
	case errors.Is(err, identity.ErrUnknownProvider):
		return model.NewUnknownProviderError(string(provider))
	default:
		return model.NewProviderIdentityNotFoundError(provider)
	}
}

// outcomeOf はメトリクス用の結果ラベルを返す。
func outcomeOf(err error) string {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return "error"
	}
	switch apiErr.Code {
	case model.ErrCodeUnauthenticated:
		return "unauthenticated"
	case model.ErrCodeProviderIdentityNotFound, model.ErrCodeUnknownProvider:
		return "not_found"
	case model.ErrCodeValidationFailed:
		return "validation_failed"
	case model.ErrCodeConflict:
		return "conflict"
	case model.ErrCodeExternalDependencyFailure:
		return "external_failure"
	default:
		return "error"
	}
}
