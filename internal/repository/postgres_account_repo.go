package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/storeauth/internal/model"
)

const accountColumns = `a.id, a.email, COALESCE(a.password_hash, ''), a.first_name, a.last_name,
	COALESCE(a.phone_number, ''), a.phone_number_confirmed, COALESCE(a.verification_code, ''),
	COALESCE(a.billing_customer_id, ''), a.created_at, a.updated_at`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	a := &model.Account{}
	err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.FirstName, &a.LastName,
		&a.PhoneNumber, &a.PhoneNumberConfirmed, &a.VerificationCode,
		&a.BillingCustomerID, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts a WHERE a.id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return a, nil
}

// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts a WHERE lower(a.email) = lower($1)`,
		email,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return a, nil
}

// FindByEmailAndIdentity はメールアドレスと外部IdP紐付けの両方が一致するアカウントを取得する。
func (r *PostgresAccountRepo) FindByEmailAndIdentity(ctx context.Context, email string, provider model.Provider, subjectID string) (*model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 JOIN external_identity_links l ON l.account_id = a.id
		 WHERE lower(a.email) = lower($1) AND l.provider = $2 AND l.subject_id = $3`,
		email, string(provider), subjectID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find account by identity: %w", err)
	}
	return a, nil
}

// CreateWithIdentity はアカウントと外部IdP紐付けを同一トランザクションで作成する。
func (r *PostgresAccountRepo) CreateWithIdentity(ctx context.Context, account *model.Account, link *model.ExternalIdentityLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, first_name, last_name, billing_customer_id, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8)`,
		account.ID, account.Email, account.PasswordHash, account.FirstName, account.LastName,
		account.BillingCustomerID, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if dup := translateUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	if link != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO external_identity_links (id, account_id, provider, subject_id, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			link.ID, link.AccountID, string(link.Provider), link.SubjectID, link.CreatedAt,
		)
		if err != nil {
			if dup := translateUniqueViolation(err); dup != nil {
				return ErrDuplicateIdentity
			}
			return fmt.Errorf("failed to insert external identity link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// UpdatePhoneNumber は電話番号を更新し、確認状態をリセットする。
func (r *PostgresAccountRepo) UpdatePhoneNumber(ctx context.Context, id, phoneNumber string) error {
	return r.execAffectingOne(ctx, "failed to update phone number",
		`UPDATE accounts
		 SET phone_number = NULLIF($2, ''), phone_number_confirmed = FALSE,
		     verification_code = NULL, verification_code_sent_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id, phoneNumber,
	)
}

// SetVerificationCode は確認コードを保存する。
func (r *PostgresAccountRepo) SetVerificationCode(ctx context.Context, id, code string, sentAt time.Time) error {
	return r.execAffectingOne(ctx, "failed to set verification code",
		`UPDATE accounts
		 SET verification_code = $2, verification_code_sent_at = $3, updated_at = now()
		 WHERE id = $1`,
		id, code, sentAt,
	)
}

// ConfirmPhoneNumber はコードが一致する場合のみ確認済みにし、コードを消去する。
// 読み取りと更新の間に遅延消去が実行された場合もここで検出できる。
func (r *PostgresAccountRepo) ConfirmPhoneNumber(ctx context.Context, id, expectedCode string) error {
	return r.execAffectingOne(ctx, "failed to confirm phone number",
		`UPDATE accounts
		 SET phone_number_confirmed = TRUE, verification_code = NULL,
		     verification_code_sent_at = NULL, updated_at = now()
		 WHERE id = $1 AND verification_code = $2`,
		id, expectedCode,
	)
}

// ClearVerificationCode は確認コードを消去する。確認済みフラグは変更しない。
func (r *PostgresAccountRepo) ClearVerificationCode(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET verification_code = NULL, verification_code_sent_at = NULL
		 WHERE id = $1 AND verification_code IS NOT NULL`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to clear verification code: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ClearStaleVerificationCodes はbeforeより前に発行された確認コードを消去する。
func (r *PostgresAccountRepo) ClearStaleVerificationCodes(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET verification_code = NULL, verification_code_sent_at = NULL
		 WHERE verification_code IS NOT NULL AND verification_code_sent_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear stale verification codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteByID は指定IDのアカウントを削除する。
// 関連するexternal_identity_linksはCASCADE削除される。
func (r *PostgresAccountRepo) DeleteByID(ctx context.Context, id string) error {
	return r.execAffectingOne(ctx, "failed to delete account",
		`DELETE FROM accounts WHERE id = $1`,
		id,
	)
}

// execAffectingOne は更新系SQLを実行し、対象行がない場合はErrNotFoundを返す。
func (r *PostgresAccountRepo) execAffectingOne(ctx context.Context, msg, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
