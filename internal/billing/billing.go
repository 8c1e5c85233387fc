// Package billing は課金システム上の顧客の作成・紐付け・削除を行う。
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
)

// Customers は課金顧客の操作インターフェース。
type Customers interface {
	// CreateCustomer は顧客を作成し、顧客IDを返す。
	CreateCustomer(ctx context.Context, email string) (string, error)
	// TagCustomer は顧客にアカウントIDを紐付ける。
	TagCustomer(ctx context.Context, customerID, accountID string) error
	// DeleteCustomer は顧客を削除する。
	DeleteCustomer(ctx context.Context, customerID string) error
}

// StripeConfig はStripeクライアントの設定。
type StripeConfig struct {
	SecretKey string
	// APIURL はテスト用のエンドポイント上書き。空の場合は本番APIを使用する。
	APIURL  string
	Timeout time.Duration
}

// StripeCustomers はStripeのCustomer APIを使用する。
type StripeCustomers struct {
	client *customer.Client
	logger *slog.Logger
}

// NewStripeCustomers はStripeCustomersを生成する。
func NewStripeCustomers(cfg StripeConfig, logger *slog.Logger) *StripeCustomers {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(1),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripe.String(cfg.APIURL)
	}

	return &StripeCustomers{
		client: &customer.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
			Key: cfg.SecretKey,
		},
		logger: logger,
	}
}

// CreateCustomer はStripe顧客を作成する。
func (s *StripeCustomers) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())

	c, err := s.client.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create billing customer: %w", err)
	}
	return c.ID, nil
}

// TagCustomer は顧客のメタデータにアカウントIDを設定する。
func (s *StripeCustomers) TagCustomer(ctx context.Context, customerID, accountID string) error {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddMetadata("account_id", accountID)

	if _, err := s.client.Update(customerID, params); err != nil {
		return fmt.Errorf("failed to tag billing customer: %w", err)
	}
	return nil
}

// DeleteCustomer はStripe顧客を削除する。
func (s *StripeCustomers) DeleteCustomer(ctx context.Context, customerID string) error {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	if _, err := s.client.Del(customerID, params); err != nil {
		return fmt.Errorf("failed to delete billing customer: %w", err)
	}
	return nil
}

// LocalCustomers はStripeキー未設定時に使用するローカル実装。
// 顧客IDを生成するのみで外部呼び出しは行わない。
type LocalCustomers struct {
	logger *slog.Logger
}

// NewLocalCustomers はLocalCustomersを生成する。
func NewLocalCustomers(logger *slog.Logger) *LocalCustomers {
	return &LocalCustomers{logger: logger}
}

// CreateCustomer はローカルの顧客IDを生成する。
func (l *LocalCustomers) CreateCustomer(ctx context.Context, email string) (string, error) {
	return "cus_local_" + uuid.NewString(), nil
}

// TagCustomer は何もしない。
func (l *LocalCustomers) TagCustomer(ctx context.Context, customerID, accountID string) error {
	return nil
}

// DeleteCustomer は何もしない。
func (l *LocalCustomers) DeleteCustomer(ctx context.Context, customerID string) error {
	l.logger.Debug("ローカル課金顧客を削除しました", slog.String("billing_customer_id", customerID))
	return nil
}

var (
	_ Customers = (*StripeCustomers)(nil)
	_ Customers = (*LocalCustomers)(nil)
)
