package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/storeauth/internal/billing"
	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/repository"
)

const (
	defaultPasswordMinLength = 8
	welcomeEmailTimeout      = 10 * time.Second
	compensationTimeout      = 10 * time.Second
)

// WelcomeSender はウェルカムメールの送信先。
type WelcomeSender interface {
	SendWelcomeEmail(ctx context.Context, email string) error
}

// PasswordHasher はパスワードのハッシュ化を行う。
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// NameSanitizer はIdPから受け取った氏名を正規化する。
type NameSanitizer interface {
	SanitizeName(raw string) string
}

// ProvisionerConfig はProvisionerの設定。
type ProvisionerConfig struct {
	PasswordMinLength int
}

// Provisioner は課金顧客・アカウント・外部IdP紐付けを作成する。
// 課金顧客の作成はアカウント作成前に行い、以降の失敗時は補償処理で巻き戻す。
type Provisioner struct {
	accounts  repository.AccountRepository
	billing   billing.Customers
	welcome   WelcomeSender
	hasher    PasswordHasher
	sanitizer NameSanitizer
	config    ProvisionerConfig
	logger    *slog.Logger
	now       func() time.Time
	// async は非同期処理の起動方法。テストで同期実行に差し替える。
	async func(func())
}

// NewProvisioner はProvisionerを生成する。
func NewProvisioner(
	accounts repository.AccountRepository,
	customers billing.Customers,
	welcome WelcomeSender,
	hasher PasswordHasher,
	sanitizer NameSanitizer,
	config ProvisionerConfig,
	logger *slog.Logger,
) *Provisioner {
	if config.PasswordMinLength <= 0 {
		config.PasswordMinLength = defaultPasswordMinLength
	}
	return &Provisioner{
		accounts:  accounts,
		billing:   customers,
		welcome:   welcome,
		hasher:    hasher,
		sanitizer: sanitizer,
		config:    config,
		logger:    logger,
		now:       time.Now,
		async:     func(f func()) { go f() },
	}
}

// ProvisionWithPassword はメールアドレスとパスワードでアカウントを作成する。
func (p *Provisioner) ProvisionWithPassword(ctx context.Context, email, password string) (*model.Account, error) {
	email = model.NormalizeEmail(email)
	if fields := validateCredentials(email, password, p.config.PasswordMinLength); len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	hash, err := p.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := p.newAccount(email, "", "")
	account.PasswordHash = hash

	return p.provision(ctx, account, nil)
}

// ProvisionWithIdentity は外部IdPのプロフィールからアカウントと紐付けを作成する。
func (p *Provisioner) ProvisionWithIdentity(ctx context.Context, identity *model.ExternalIdentity) (*model.Account, error) {
	sanitized := *identity
	sanitized.Email = model.NormalizeEmail(identity.Email)
	sanitized.FirstName = p.sanitizer.SanitizeName(identity.FirstName)
	sanitized.LastName = p.sanitizer.SanitizeName(identity.LastName)

	if fields := validateIdentity(&sanitized); len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	account := p.newAccount(sanitized.Email, sanitized.FirstName, sanitized.LastName)
	link := &model.ExternalIdentityLink{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Provider:  sanitized.Provider,
		SubjectID: sanitized.SubjectID,
		CreatedAt: account.CreatedAt,
	}

	return p.provision(ctx, account, link)
}

func (p *Provisioner) newAccount(email, firstName, lastName string) *model.Account {
	now := p.now().UTC()
	return &model.Account{
		ID:        uuid.NewString(),
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p *Provisioner) provision(ctx context.Context, account *model.Account, link *model.ExternalIdentityLink) (*model.Account, error) {
	logger := p.logger.With(slog.String("account_id", account.ID))
	if link != nil {
		logger = logger.With(slog.String("provider", string(link.Provider)))
	}

	// 1. 課金顧客を作成（失敗時はアカウントを作成しない）
	customerID, err := p.billing.CreateCustomer(ctx, account.Email)
	if err != nil {
		logger.Error("課金顧客の作成に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewExternalDependencyError()
	}
	account.BillingCustomerID = customerID
	logger = logger.With(slog.String("billing_customer_id", customerID))

	// 2. アカウントと紐付けを作成
	if err := p.accounts.CreateWithIdentity(ctx, account, link); err != nil {
		p.deleteBillingCustomer(ctx, logger, customerID)

		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			logger.Info("メールアドレスが重複しているためアカウントを作成できません")
			return nil, model.NewConflictError(map[string]string{
				"email": "このメールアドレスは既に登録されています。",
			})
		case errors.Is(err, repository.ErrDuplicateIdentity):
			logger.Warn("外部IdPのアカウントが既に別のアカウントに紐付いています")
			return nil, model.NewConflictError(map[string]string{
				"provider": "この外部アカウントは既に別のアカウントに紐付いています。",
			})
		default:
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
	}

	// 3. 課金顧客にアカウントIDを紐付け（失敗時はアカウントを削除）
	if err := p.billing.TagCustomer(ctx, customerID, account.ID); err != nil {
		logger.Error("課金顧客への紐付けに失敗したためアカウントを削除します",
			slog.String("error", err.Error()),
		)
		p.compensate(ctx, logger, account.ID, customerID)
		return nil, model.NewExternalDependencyError()
	}

	logger.Info("アカウントを作成しました")

	// 4. ウェルカムメールは非同期で送信し、失敗しても作成処理は成功とする
	p.sendWelcome(ctx, logger, account.Email)

	return account, nil
}

// compensate は作成済みのアカウントと課金顧客をベストエフォートで削除する。
func (p *Provisioner) compensate(ctx context.Context, logger *slog.Logger, accountID, customerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := p.accounts.DeleteByID(ctx, accountID); err != nil {
		logger.Error("補償処理でのアカウント削除に失敗しました", slog.String("error", err.Error()))
	}
	p.deleteBillingCustomer(ctx, logger, customerID)
}

func (p *Provisioner) deleteBillingCustomer(ctx context.Context, logger *slog.Logger, customerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := p.billing.DeleteCustomer(ctx, customerID); err != nil {
		logger.Error("補償処理での課金顧客削除に失敗しました", slog.String("error", err.Error()))
	}
}

func (p *Provisioner) sendWelcome(ctx context.Context, logger *slog.Logger, email string) {
	ctx = context.WithoutCancel(ctx)
	p.async(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("ウェルカムメール送信中にpanicが発生しました", slog.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, welcomeEmailTimeout)
		defer cancel()

		if err := p.welcome.SendWelcomeEmail(ctx, email); err != nil {
			logger.Warn("ウェルカムメールの送信に失敗しました", slog.String("error", err.Error()))
		}
	})
}
