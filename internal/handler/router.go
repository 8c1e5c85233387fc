package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storeauth/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	TokenParser       middleware.TokenParser
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder

	// 運用
	HealthChecks   []HealthCheck
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface

	// アカウント
	AccountService      AccountServiceInterface
	VerificationService VerificationServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → BearerAuth → RateLimit(General)
//
// 認証ルート（/auth/*）と運用エンドポイントはBearerAuthの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	accountHandler := NewAccountHandler(deps.AccountService, deps.VerificationService)

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecks...))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
		r.Post("/register", authHandler.Register)
		r.Post("/{provider}/login", authHandler.ProviderLogin)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.TokenParser))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/accounts/me", func(r chi.Router) {
			r.Get("/", accountHandler.Me)
			r.Delete("/", accountHandler.Withdraw)
			r.Put("/phone", accountHandler.UpdatePhone)

			// 確認コード送信は専用レート制限を追加
			r.With(deps.RateLimiter.PhoneCodeMiddleware()).Post("/phone/verification", accountHandler.RequestVerification)
			r.Post("/phone/verification/confirm", accountHandler.ConfirmVerification)
		})
	})

	return r
}
