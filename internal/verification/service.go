// Package verification は電話番号確認（NoChallenge → Pending → Confirmed/Expired）を提供する。
// コードの有効期限は保存せず、発行時に登録する遅延消去ジョブで失効させる。
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/hitoshi/storeauth/internal/metrics"
	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/repository"
	"github.com/hitoshi/storeauth/internal/worker/scheduler"
)

// DefaultCodeTTL は確認コードの有効期間。
const DefaultCodeTTL = 2 * time.Minute

// SMSSender はSMSの送信先。
type SMSSender interface {
	SendSMS(ctx context.Context, phoneNumber, body string) error
}

// JobScheduler は遅延ジョブの登録先。
type JobScheduler interface {
	Schedule(ctx context.Context, delay time.Duration, jobType scheduler.JobType, accountID string) (*scheduler.Job, error)
}

// Service は電話番号確認の状態遷移を扱う。
type Service struct {
	accounts repository.AccountRepository
	sms      SMSSender
	jobs     JobScheduler
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	codeTTL  time.Duration
	now      func() time.Time
	newCode  func() (string, error)
}

// NewService はServiceを生成する。codeTTLが0以下の場合はDefaultCodeTTLを使用する。
func NewService(
	accounts repository.AccountRepository,
	sms SMSSender,
	jobs JobScheduler,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	codeTTL time.Duration,
) *Service {
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	return &Service{
		accounts: accounts,
		sms:      sms,
		jobs:     jobs,
		metrics:  mc,
		logger:   logger,
		codeTTL:  codeTTL,
		now:      time.Now,
		newCode:  GenerateCode,
	}
}

// GenerateCode は100000〜999999の一様乱数の6桁コードを生成する。
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// RequestVerification は確認コードを発行してSMSで送信し、codeTTL後の消去ジョブを登録する。
// 発行中のコードがある場合は上書きし、古い消去ジョブはそのまま実行される。
func (s *Service) RequestVerification(ctx context.Context, accountID string) error {
	logger := s.logger.With(slog.String("account_id", accountID))

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return model.NewAccountNotFoundError()
	}
	if account.PhoneNumber == "" {
		s.metrics.RecordPhoneVerification("no_phone_number")
		return model.NewNoPhoneNumberError()
	}

	code, err := s.newCode()
	if err != nil {
		return err
	}

	if err := s.accounts.SetVerificationCode(ctx, accountID, code, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewAccountNotFoundError()
		}
		return fmt.Errorf("failed to store verification code: %w", err)
	}

	if _, err := s.jobs.Schedule(ctx, s.codeTTL, scheduler.JobClearVerificationCode, accountID); err != nil {
		// 失効を保証できないコードは送信しない
		logger.Error("確認コード消去ジョブの登録に失敗しました", slog.String("error", err.Error()))
		if _, cerr := s.accounts.ClearVerificationCode(context.WithoutCancel(ctx), accountID); cerr != nil {
			logger.Error("確認コードの取り消しに失敗しました", slog.String("error", cerr.Error()))
		}
		return model.NewExternalDependencyError()
	}

	body := fmt.Sprintf("確認コード: %s（%d分間有効）", code, int(s.codeTTL.Minutes()))
	if err := s.sms.SendSMS(ctx, account.PhoneNumber, body); err != nil {
		logger.Warn("確認コードのSMS送信に失敗しました", slog.String("error", err.Error()))
	}

	s.metrics.RecordPhoneVerification("requested")
	logger.Info("確認コードを発行しました", slog.Duration("ttl", s.codeTTL))
	return nil
}

// ConfirmVerification は送信されたコードを照合し、一致すれば電話番号を確認済みにする。
func (s *Service) ConfirmVerification(ctx context.Context, accountID, code string) error {
	logger := s.logger.With(slog.String("account_id", accountID))

	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return model.NewAccountNotFoundError()
	}
	if !account.HasPendingChallenge() {
		s.metrics.RecordPhoneVerification("no_active_challenge")
		return model.NewNoActiveChallengeError()
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(account.VerificationCode)) != 1 {
		s.metrics.RecordPhoneVerification("mismatch")
		logger.Info("確認コードが一致しませんでした")
		return model.NewCodeMismatchError()
	}

	if err := s.accounts.ConfirmPhoneNumber(ctx, accountID, code); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 照合後に消去ジョブが先に実行された
			s.metrics.RecordPhoneVerification("no_active_challenge")
			return model.NewNoActiveChallengeError()
		}
		return fmt.Errorf("failed to confirm phone number: %w", err)
	}

	s.metrics.RecordPhoneVerification("confirmed")
	logger.Info("電話番号を確認しました")
	return nil
}

// HandleClearJob は遅延消去ジョブを処理する。確認済みフラグには触れない。
// アカウントが削除済みの場合は何もしない。
func (s *Service) HandleClearJob(ctx context.Context, job *scheduler.Job) error {
	cleared, err := s.accounts.ClearVerificationCode(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("failed to clear verification code: %w", err)
	}
	// 確認済み・再発行済みで消去対象がない場合は失効として数えない
	if cleared {
		s.metrics.RecordPhoneVerification("expired")
	}
	return nil
}
