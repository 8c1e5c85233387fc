package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/storeauth/internal/account"
	"github.com/hitoshi/storeauth/internal/auth"
	"github.com/hitoshi/storeauth/internal/billing"
	"github.com/hitoshi/storeauth/internal/config"
	"github.com/hitoshi/storeauth/internal/database"
	"github.com/hitoshi/storeauth/internal/identity"
	"github.com/hitoshi/storeauth/internal/messaging"
	"github.com/hitoshi/storeauth/internal/metrics"
	"github.com/hitoshi/storeauth/internal/password"
	"github.com/hitoshi/storeauth/internal/repository"
	"github.com/hitoshi/storeauth/internal/security"
	"github.com/hitoshi/storeauth/internal/token"
	"github.com/hitoshi/storeauth/internal/user"
	"github.com/hitoshi/storeauth/internal/verification"
	"github.com/hitoshi/storeauth/internal/worker/scheduler"
)

const pingTimeout = 5 * time.Second

// components はserveとworkerで共有する依存関係の組み立て結果。
type components struct {
	db       *sql.DB
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Collector

	accounts   *repository.PostgresAccountRepo
	identities *repository.PostgresIdentityRepo
	jobs       *scheduler.RedisScheduler
	issuer     *token.Issuer

	authService         *auth.Service
	userService         *user.Service
	verificationService *verification.Service
}

// newComponents はDB・Redisへ接続し、全サービスをワイヤリングする。
// DBに接続できない場合はエラーを返す。Redisの疎通失敗は警告のみとする。
func newComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, pingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connection established")

	// 2. Redis接続（遅延ジョブキュー・通知ストリーム）
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis is not reachable yet", slog.String("error", err.Error()))
	}
	cancel()

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(registry)

	// 4. リポジトリ
	accounts := repository.NewPostgresAccountRepo(db)
	identities := repository.NewPostgresIdentityRepo(db)

	// 5. 外部サービス
	var customers billing.Customers
	if cfg.BillingEnabled() {
		customers = billing.NewStripeCustomers(billing.StripeConfig{
			SecretKey: cfg.StripeSecretKey,
			APIURL:    cfg.StripeAPIURL,
			Timeout:   cfg.ProviderTimeout,
		}, logger)
	} else {
		logger.Warn("STRIPE_SECRET_KEY is not set; billing customer ids are generated locally")
		customers = billing.NewLocalCustomers(logger)
	}

	publisher := messaging.NewStreamPublisher(rdb, cfg.NotificationStream, logger)
	jobs := scheduler.NewRedisScheduler(rdb, scheduler.DefaultQueueKey, logger)

	identityClient := identity.NewClient(identity.ClientConfig{Timeout: cfg.ProviderTimeout}, logger)

	// 6. 認証基盤
	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize password hasher: %w", err)
	}
	issuer, err := token.NewIssuer(token.Config{
		SigningKey: []byte(cfg.TokenSigningKey),
		Issuer:     cfg.TokenIssuer,
		Audience:   cfg.TokenAudience,
		TTL:        cfg.TokenTTL,
	})
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	// 7. ドメインサービス
	resolver := account.NewResolver(accounts)
	provisioner := account.NewProvisioner(
		accounts, customers, publisher, hasher, security.NewProfileSanitizer(),
		account.ProvisionerConfig{PasswordMinLength: cfg.PasswordMinLength},
		logger,
	)

	return &components{
		db:         db,
		rdb:        rdb,
		registry:   registry,
		metrics:    mc,
		accounts:   accounts,
		identities: identities,
		jobs:       jobs,
		issuer:     issuer,
		authService: auth.NewService(
			identityClient, resolver, provisioner, accounts, hasher, issuer, mc, logger,
		),
		userService:         user.NewService(accounts, identities, customers, logger),
		verificationService: verification.NewService(accounts, publisher, jobs, mc, logger, cfg.PhoneCodeTTL),
	}, nil
}

// Close はDB・Redis接続を閉じる。
func (c *components) Close() {
	if err := c.rdb.Close(); err != nil {
		slog.Warn("failed to close redis client", slog.String("error", err.Error()))
	}
	if err := c.db.Close(); err != nil {
		slog.Warn("failed to close database", slog.String("error", err.Error()))
	}
}
