package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hitoshi/storeauth/internal/config"
	"github.com/hitoshi/storeauth/internal/database"
	"github.com/hitoshi/storeauth/internal/handler"
	"github.com/hitoshi/storeauth/internal/logger"
	"github.com/hitoshi/storeauth/internal/metrics"
	"github.com/hitoshi/storeauth/internal/middleware"
	"github.com/hitoshi/storeauth/internal/worker/cleanup"
	"github.com/hitoshi/storeauth/internal/worker/scheduler"
)

// shutdownTimeout はグレースフルシャットダウンの上限時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn("invalid LOG_LEVEL, falling back to info", slog.String("log_level", cfg.LogLevel))
	}
	log = logger.SetupDefault(w, level)

	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。ctxがキャンセルされるとserve/workerは停止する。
func Run(ctx context.Context, w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPhoneCode),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		TokenParser:       c.issuer,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    c.metrics,
		HealthChecks: []handler.HealthCheck{
			{Name: "database", Check: c.db.PingContext},
			{Name: "redis", Check: func(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }},
		},
		MetricsHandler:      metrics.Handler(c.registry),
		AuthService:         c.authService,
		AccountService:      c.userService,
		VerificationService: c.verificationService,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// プロバイダ呼び出しのタイムアウトより長く取る
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 遅延ジョブのポーラーと確認コードの掃除ジョブを実行し、ctxのキャンセルで停止する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	// 1. 遅延ジョブのポーラー
	poller := scheduler.NewPoller(c.jobs, log, c.metrics, int64(cfg.SchedulerBatchSize), 10)
	poller.Register(scheduler.JobClearVerificationCode, scheduler.HandlerFunc(c.verificationService.HandleClearJob))

	// 2. 取りこぼし対策の掃除ジョブ
	sweeper := cleanup.NewCleanupJob(c.accounts, c.metrics, log)
	sweeper.CodeTTL = cfg.PhoneCodeTTL
	sweeper.Grace = cfg.SweepGrace

	log.Info("worker starting",
		slog.Duration("poll_interval", cfg.SchedulerPollInterval),
		slog.Int("batch_size", cfg.SchedulerBatchSize),
		slog.Duration("sweep_interval", cfg.SweepInterval),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Start(ctx, cfg.SweepInterval)
	}()

	// ポーラーをメインgoroutineで実行（ブロッキング）
	poller.Start(ctx, cfg.SchedulerPollInterval)
	<-done

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLからパスワードとクエリを取り除く。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	u.RawQuery = ""
	return u.String()
}
