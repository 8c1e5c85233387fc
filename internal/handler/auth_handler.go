// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storeauth/internal/auth"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	LoginWithPassword(ctx context.Context, email, password string) (*auth.Result, error)
	Register(ctx context.Context, email, password string) (*auth.Result, error)
	LoginWithProvider(ctx context.Context, provider, accessToken string) (*auth.Result, error)
}

// AuthHandler はログイン・登録のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type providerLoginRequest struct {
	AccessToken string `json:"access_token"`
}

// tokenResponse は認証成功時のレスポンス。
type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID string    `json:"account_id"`
}

func toTokenResponse(result *auth.Result) tokenResponse {
	return tokenResponse{
		Token:     result.Token.Value,
		TokenType: "Bearer",
		ExpiresAt: result.Token.ExpiresAt.UTC(),
		AccountID: result.Account.ID,
	}
}

// Login はメールアドレスとパスワードで認証する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.LoginWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(result))
}

// Register はメールアドレスとパスワードでアカウントを作成し、トークンを発行する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(result))
}

// ProviderLogin は外部IdPのアクセストークンで認証する。
// 未登録の場合はアカウントを作成する。
// アクセストークンはボディのaccess_token、なければAuthorizationヘッダーから取得する。
// POST /auth/{provider}/login
func (h *AuthHandler) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req providerLoginRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	accessToken := strings.TrimSpace(req.AccessToken)
	if accessToken == "" {
		accessToken = bearerFromHeader(r)
	}

	result, err := h.service.LoginWithProvider(r.Context(), provider, accessToken)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(result))
}

func bearerFromHeader(r *http.Request) string {
	scheme, value, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}
