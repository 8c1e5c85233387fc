package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/user"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	Profile(ctx context.Context, accountID string) (*user.Profile, error)
	UpdatePhoneNumber(ctx context.Context, accountID, phoneNumber string) error
	// Withdraw はアカウントと外部IdP紐付けを削除し、課金顧客をベストエフォートで削除する。
	Withdraw(ctx context.Context, accountID string) error
}

// VerificationServiceInterface は電話番号確認フローのサービスインターフェース。
type VerificationServiceInterface interface {
	RequestVerification(ctx context.Context, accountID string) error
	ConfirmVerification(ctx context.Context, accountID, code string) error
}

// AccountHandler はアカウント管理のHTTPハンドラー。
type AccountHandler struct {
	accounts     AccountServiceInterface
	verification VerificationServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(accounts AccountServiceInterface, verification VerificationServiceInterface) *AccountHandler {
	return &AccountHandler{
		accounts:     accounts,
		verification: verification,
	}
}

type profileResponse struct {
	ID                   string   `json:"id"`
	Email                string   `json:"email"`
	FirstName            string   `json:"first_name"`
	LastName             string   `json:"last_name"`
	PhoneNumber          string   `json:"phone_number"`
	PhoneNumberConfirmed bool     `json:"phone_number_confirmed"`
	HasPassword          bool     `json:"has_password"`
	Providers            []string `json:"providers"`
}

func toProfileResponse(p *user.Profile) profileResponse {
	providers := make([]string, len(p.Providers))
	for i, provider := range p.Providers {
		providers[i] = string(provider)
	}
	return profileResponse{
		ID:                   p.Account.ID,
		Email:                p.Account.Email,
		FirstName:            p.Account.FirstName,
		LastName:             p.Account.LastName,
		PhoneNumber:          p.Account.PhoneNumber,
		PhoneNumberConfirmed: p.Account.PhoneNumberConfirmed,
		HasPassword:          p.Account.PasswordHash != "",
		Providers:            providers,
	}
}

type updatePhoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type confirmCodeRequest struct {
	Code string `json:"code"`
}

// Me は認証済みアカウントのプロフィールを返す。
// GET /api/accounts/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	profile, err := h.accounts.Profile(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

// UpdatePhone は電話番号を登録し、確認済みフラグをリセットする。
// PUT /api/accounts/me/phone
func (h *AccountHandler) UpdatePhone(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	var req updatePhoneRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.accounts.UpdatePhoneNumber(r.Context(), accountID, req.PhoneNumber); err != nil {
		handleServiceError(w, err)
		return
	}

	profile, err := h.accounts.Profile(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

// Withdraw はアカウントを削除する。
// DELETE /api/accounts/me
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	if err := h.accounts.Withdraw(r.Context(), accountID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RequestVerification は確認コードをSMSで送信する。
// POST /api/accounts/me/phone/verification
func (h *AccountHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	if err := h.verification.RequestVerification(r.Context(), accountID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// ConfirmVerification は確認コードを照合し、電話番号を確認済みにする。
// POST /api/accounts/me/phone/verification/confirm
func (h *AccountHandler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	var req confirmCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		handleServiceError(w, model.NewValidationError(map[string]string{
			"code": "確認コードを入力してください。",
		}))
		return
	}

	if err := h.verification.ConfirmVerification(r.Context(), accountID, req.Code); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"phone_number_confirmed": true})
}
