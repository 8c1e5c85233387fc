// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Provider は外部IdPの種別を表す。
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderFacebook  Provider = "facebook"
)

// ParseProvider は文字列をProviderに変換する。未対応のIdPの場合はfalseを返す。
func ParseProvider(s string) (Provider, bool) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGoogle, ProviderMicrosoft, ProviderFacebook:
		return p, true
	default:
		return "", false
	}
}

// Account はローカルアカウントを表す。
// PasswordHashはIdP経由でのみ作成されたアカウントでは空になる。
type Account struct {
	ID                   string
	Email                string
	PasswordHash         string
	FirstName            string
	LastName             string
	PhoneNumber          string
	PhoneNumberConfirmed bool
	// VerificationCode は発行中の電話番号確認コード（6桁）。未発行なら空。
	VerificationCode  string
	BillingCustomerID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPendingChallenge は電話番号確認コードが発行中かどうかを返す。
func (a *Account) HasPendingChallenge() bool {
	return a.VerificationCode != ""
}

// MaxSubjectIDLength はIdPのsubject_idの最大文字数。
const MaxSubjectIDLength = 512

// ExternalIdentityLink はアカウントと外部IdPの(provider, subject_id)の紐付けを表す。
type ExternalIdentityLink struct {
	ID        string
	AccountID string
	Provider  Provider
	SubjectID string
	CreatedAt time.Time
}

// ExternalIdentity はIdPから取得したプロフィールを正規化したもの。永続化はしない。
type ExternalIdentity struct {
	Provider  Provider
	SubjectID string
	Email     string
	FirstName string
	LastName  string
}

// NormalizeEmail はメールアドレスを比較用に正規化する（大文字小文字を区別しない）。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
