// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/storeauth/internal/model"
	"github.com/hitoshi/storeauth/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// accountIDContextKey はリクエストコンテキストにアカウントIDを格納するためのキー。
var accountIDContextKey = contextKey("account_id")

// requestHolderContextKey はロギングミドルウェアが認証結果を受け取るためのキー。
var requestHolderContextKey = contextKey("request_holder")

// requestHolder は内側のミドルウェアで確定した値を外側に渡す。
type requestHolder struct {
	accountID string
}

func withRequestHolder(ctx context.Context, h *requestHolder) context.Context {
	return context.WithValue(ctx, requestHolderContextKey, h)
}

// TokenParser はBearerトークンの検証に必要なインターフェース。
// token.Issuerの部分集合として定義する。
type TokenParser interface {
	Parse(raw string) (*token.Claims, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 認証済みアカウントIDをリクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401 Unauthorizedを返す。
func NewBearerAuthMiddleware(parser TokenParser) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w)
				return
			}

			claims, err := parser.Parse(raw)
			if err != nil {
				slog.Debug("bearer token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeUnauthorized(w)
				return
			}
			if claims.Subject == "" {
				writeUnauthorized(w)
				return
			}

			ctx := ContextWithAccountID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークン文字列を取り出す。
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="storeauth"`)
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     model.ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	})
}

// AccountIDFromContext はリクエストコンテキストからアカウントIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func AccountIDFromContext(ctx context.Context) (string, error) {
	accountID, ok := ctx.Value(accountIDContextKey).(string)
	if !ok || accountID == "" {
		return "", fmt.Errorf("account ID not found in context")
	}
	return accountID, nil
}

// ContextWithAccountID はコンテキストにアカウントIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAccountID(ctx context.Context, accountID string) context.Context {
	if h, ok := ctx.Value(requestHolderContextKey).(*requestHolder); ok {
		h.accountID = accountID
	}
	return context.WithValue(ctx, accountIDContextKey, accountID)
}
