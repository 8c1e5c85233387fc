package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound は更新・削除対象が存在しないことを表す。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateEmail はメールアドレスの一意制約違反を表す。
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateIdentity は(provider, subject_id)の一意制約違反を表す。
	ErrDuplicateIdentity = errors.New("external identity already linked")
)

const (
	uniqueViolation = "23505"

	emailUniqueIndex    = "accounts_email_lower_key"
	identityUniqueIndex = "external_identity_links_provider_subject_key"
)

// translateUniqueViolation はPostgreSQLの一意制約違反を対応するセンチネルエラーに変換する。
// 一意制約違反以外はnilを返す。
func translateUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil
	}
	switch pqErr.Constraint {
	case emailUniqueIndex:
		return ErrDuplicateEmail
	case identityUniqueIndex:
		return ErrDuplicateIdentity
	default:
		return ErrDuplicateEmail
	}
}
