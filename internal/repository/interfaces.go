// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/storeauth/internal/model"
)

// AccountRepository はアカウントの永続化インターフェース。
// メールアドレスの一意性はストアの一意制約で保証する。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でアカウントを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// FindByEmailAndIdentity はメールアドレスが一致し、かつ(provider, subjectID)の
	// 紐付けを持つアカウントを取得する。どちらか一方のみの一致では返さない。
	// 見つからない場合はnilを返す。
	FindByEmailAndIdentity(ctx context.Context, email string, provider model.Provider, subjectID string) (*model.Account, error)

	// CreateWithIdentity はアカウントと外部IdP紐付けを同一トランザクションで作成する。
	// linkがnilの場合はアカウントのみ作成する。
	// 一意制約違反の場合はErrDuplicateEmailまたはErrDuplicateIdentityを返す。
	CreateWithIdentity(ctx context.Context, account *model.Account, link *model.ExternalIdentityLink) error

	// UpdatePhoneNumber は電話番号を更新し、確認済みフラグと発行中の確認コードをリセットする。
	// 対象が存在しない場合はErrNotFoundを返す。
	UpdatePhoneNumber(ctx context.Context, id, phoneNumber string) error

	// SetVerificationCode は確認コードを保存する（発行中のコードは上書きされる）。
	// 対象が存在しない場合はErrNotFoundを返す。
	SetVerificationCode(ctx context.Context, id, code string, sentAt time.Time) error

	// ConfirmPhoneNumber は確認済みフラグを立て、確認コードを消去する。
	// expectedCodeが保存中のコードと一致しない場合（既に消去された場合を含む）はErrNotFoundを返す。
	ConfirmPhoneNumber(ctx context.Context, id, expectedCode string) error

	// ClearVerificationCode は確認コードを消去し、消去したコードがあったかを返す。
	// 確認済みフラグには触れない。冪等: アカウントが存在しない場合もエラーにならない。
	ClearVerificationCode(ctx context.Context, id string) (bool, error)

	// ClearStaleVerificationCodes はsentAtがbeforeより古い確認コードを消去し、件数を返す。
	ClearStaleVerificationCodes(ctx context.Context, before time.Time) (int64, error)

	// DeleteByID は指定IDのアカウントを削除する。紐付けはCASCADE削除される。
	// 対象が存在しない場合はErrNotFoundを返す。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付けの永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndSubjectID はproviderとsubject_idで紐付けを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndSubjectID(ctx context.Context, provider model.Provider, subjectID string) (*model.ExternalIdentityLink, error)

	// ListByAccountID はアカウントの紐付け一覧を返す。
	ListByAccountID(ctx context.Context, accountID string) ([]*model.ExternalIdentityLink, error)
}
