package account

import (
	"net/mail"
	"unicode/utf8"

	"github.com/hitoshi/storeauth/internal/model"
)

const maxEmailLength = 256

// validateEmail はメールアドレスの形式を検証し、エラーメッセージを返す。問題なければ空文字列。
func validateEmail(email string) string {
	if email == "" {
		return "メールアドレスを入力してください。"
	}
	if utf8.RuneCountInString(email) > maxEmailLength {
		return "メールアドレスが長すぎます。"
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "メールアドレスの形式が正しくありません。"
	}
	return ""
}

// validateCredentials はパスワード登録の入力を検証する。
func validateCredentials(email, password string, minLength int) map[string]string {
	fields := map[string]string{}
	if msg := validateEmail(email); msg != "" {
		fields["email"] = msg
	}
	if utf8.RuneCountInString(password) < minLength {
		fields["password"] = "パスワードが短すぎます。"
	}
	return fields
}

// validateIdentity はIdPプロフィールからのアカウント作成に必要な項目を検証する。
// メールアドレスを返さないIdP（Microsoft/Facebook）ではここで作成できない。
func validateIdentity(identity *model.ExternalIdentity) map[string]string {
	fields := map[string]string{}
	if msg := validateEmail(identity.Email); msg != "" {
		fields["email"] = msg
	}
	if identity.SubjectID == "" || utf8.RuneCountInString(identity.SubjectID) > model.MaxSubjectIDLength {
		fields["subject_id"] = "外部アカウントのIDが不正です。"
	}
	if identity.FirstName == "" {
		fields["first_name"] = "名を取得できませんでした。"
	}
	if identity.LastName == "" {
		fields["last_name"] = "姓を取得できませんでした。"
	}
	return fields
}
