package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/storeauth/internal/model"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	PhoneCodeRate   rate.Limit    // 確認コード送信のレート（req/sec）。3/600
	PhoneCodeBurst  int           // 確認コード送信のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/account、確認コード送信 3 req/10min/account。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 3)
}

// NewRateLimiterConfig は分あたりのAPI全般上限と10分あたりの確認コード送信上限から設定を生成する。
func NewRateLimiterConfig(generalPerMinute, phoneCodePer10Min int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMinute) / 60.0),
		GeneralBurst:    generalPerMinute,
		PhoneCodeRate:   rate.Limit(float64(phoneCodePer10Min) / 600.0),
		PhoneCodeBurst:  phoneCodePer10Min,
		CleanupInterval: 5 * time.Minute,
	}
}

// accountLimiter はアカウントごとのレートリミッターとアクセス時刻を保持する。
type accountLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてアカウントごとのリミッターを管理する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	limiters map[string]*accountLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int, ttl time.Duration) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		ttl:      ttl,
		limiters: make(map[string]*accountLimiter),
	}
}

// allow はアカウントのリミッターを取得または作成し、1トークン消費できるかを返す。
func (s *limiterSet) allow(accountID string, now time.Time) bool {
	s.mu.Lock()
	al, exists := s.limiters[accountID]
	if !exists {
		al = &accountLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[accountID] = al
	}
	al.lastAccess = now
	s.mu.Unlock()

	return al.limiter.AllowN(now, 1)
}

func (s *limiterSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// sweep は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, al := range s.limiters {
		if now.Sub(al.lastAccess) > s.ttl {
			delete(s.limiters, id)
		}
	}
}

// middleware はコンテキストのアカウントIDごとにレート制限するミドルウェアを返す。
// 認証ミドルウェアの後に配置する。
func (s *limiterSet) middleware(now func() time.Time) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := AccountIDFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w)
				return
			}

			if !s.allow(accountID, now()) {
				slog.Warn("rate limit exceeded",
					slog.String("account_id", accountID),
					slog.String("limit_type", s.name),
				)
				writeRateLimitResponse(w, s.limit)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はアカウントごとのレート制限を管理する。
// API全般のレート制限と確認コード送信のレート制限の2種類を提供する。
type RateLimiter struct {
	config    RateLimiterConfig
	general   *limiterSet
	phoneCode *limiterSet
	now       func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	// 確認コード用のバケットは満タンに戻るまで10分かかるため、TTLはそれより長く取る
	phoneTTL := config.CleanupInterval * 2
	if full := refillDuration(config.PhoneCodeRate, config.PhoneCodeBurst); full > phoneTTL {
		phoneTTL = full
	}

	rl := &RateLimiter{
		config:    config,
		general:   newLimiterSet("general", config.GeneralRate, config.GeneralBurst, config.CleanupInterval*2),
		phoneCode: newLimiterSet("phone_code", config.PhoneCodeRate, config.PhoneCodeBurst, phoneTTL),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware(rl.now)
}

// PhoneCodeMiddleware は確認コード送信専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) PhoneCodeMiddleware() func(next http.Handler) http.Handler {
	return rl.phoneCode.middleware(rl.now)
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.count()
}

// PhoneCodeLimiterCount は現在管理されている確認コード送信リミッターのエントリ数を返す。
func (rl *RateLimiter) PhoneCodeLimiterCount() int {
	return rl.phoneCode.count()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := rl.now()
	rl.general.sweep(now)
	rl.phoneCode.sweep(now)
}

func refillDuration(r rate.Limit, burst int) time.Duration {
	if r <= 0 {
		return 0
	}
	return time.Duration(float64(burst) / float64(r) * float64(time.Second))
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが1つ補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
