package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, account, system
	Action   string // ユーザー向け対処方法
	// Fields はフィールド単位の検証エラー（フィールド名→メッセージ）。
	Fields map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated           = "UNAUTHENTICATED"
	ErrCodeProviderIdentityNotFound  = "PROVIDER_IDENTITY_NOT_FOUND"
	ErrCodeUnknownProvider           = "UNKNOWN_PROVIDER"
	ErrCodeAccountNotFound           = "ACCOUNT_NOT_FOUND"
	ErrCodeValidationFailed          = "VALIDATION_FAILED"
	ErrCodeConflict                  = "CONFLICT"
	ErrCodeNoPhoneNumber             = "NO_PHONE_NUMBER"
	ErrCodeNoActiveChallenge         = "NO_ACTIVE_CHALLENGE"
	ErrCodeCodeMismatch              = "CODE_MISMATCH"
	ErrCodeExternalDependencyFailure = "EXTERNAL_DEPENDENCY_FAILED"
	ErrCodeRateLimited               = "RATE_LIMITED"
	ErrCodeInternal                  = "INTERNAL_ERROR"
)

// NewUnauthenticatedError は認証失敗エラーを生成する。
// ユーザー未登録とパスワード不一致を区別しない。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認して再度ログインしてください。",
	}
}

// NewProviderIdentityNotFoundError は外部IdPのアカウントを特定できなかった場合のエラーを生成する。
func NewProviderIdentityNotFoundError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeProviderIdentityNotFound,
		Message:  fmt.Sprintf("%s のアカウント情報を取得できませんでした。", provider),
		Category: "auth",
		Action:   "再度ログインし直してください。",
	}
}

// NewUnknownProviderError は未対応のIdPが指定された場合のエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("対応していないプロバイダーです: %s", provider),
		Category: "auth",
		Action:   "google、microsoft、facebook のいずれかを指定してください。",
	}
}

// NewAccountNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  "アカウントが見つかりません。",
		Category: "account",
		Action:   "ログインし直してください。",
	}
}

// NewValidationError はフィールド単位の検証エラーを生成する。
func NewValidationError(fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  "入力内容に誤りがあります。",
		Category: "validation",
		Action:   "各項目のエラーメッセージを確認してください。",
		Fields:   fields,
	}
}

// NewConflictError は一意制約違反（メールアドレスまたは外部IdP紐付けの重複）のエラーを生成する。
func NewConflictError(fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "既に登録されているアカウントと重複しています。",
		Category: "account",
		Action:   "登録済みの方法でログインしてください。",
		Fields:   fields,
	}
}

// NewNoPhoneNumberError は電話番号未登録のエラーを生成する。
func NewNoPhoneNumberError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPhoneNumber,
		Message:  "電話番号が登録されていません。",
		Category: "validation",
		Action:   "電話番号を登録してから確認コードを要求してください。",
	}
}

// NewNoActiveChallengeError は有効な確認コードが存在しない場合のエラーを生成する。
func NewNoActiveChallengeError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveChallenge,
		Message:  "有効な確認コードがありません。",
		Category: "validation",
		Action:   "確認コードを再度要求してください。",
	}
}

// NewCodeMismatchError は確認コード不一致のエラーを生成する。
func NewCodeMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeCodeMismatch,
		Message:  "確認コードが正しくありません。",
		Category: "validation",
		Action:   "SMSで受信したコードを確認してください。",
	}
}

// NewExternalDependencyError は外部サービス（IdP、課金）の呼び出し失敗エラーを生成する。
// 詳細はログのみに記録し、呼び出し元には一般的なメッセージを返す。
func NewExternalDependencyError() *APIError {
	return &APIError{
		Code:     ErrCodeExternalDependencyFailure,
		Message:  "外部サービスとの通信に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はリクエスト過多のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
