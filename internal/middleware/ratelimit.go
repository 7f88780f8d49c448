package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	VerifyRate      rate.Limit    // トークン検証のレート（req/sec）
	VerifyBurst     int           // トークン検証のバーストサイズ
	SignInRate      rate.Limit    // パスワードログイン・登録のレート（req/sec）
	SignInBurst     int           // パスワードログイン・登録のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
	// TrustedProxies はX-Forwarded-Forを信用する接続元。
	// 公開オリジンのサーバーなど、利用者の代わりに検証を呼び出す相手を含める。
	TrustedProxies []*net.IPNet
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// トークン検証 30 req/min/IP、パスワードログイン 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		VerifyRate:      rate.Limit(30.0 / 60.0),
		VerifyBurst:     30,
		SignInRate:      rate.Limit(10.0 / 60.0),
		SignInBurst:     10,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同一設定のリミッターをクライアントキーごとに管理する。
type limiterSet struct {
	name    string
	rate    rate.Limit
	burst   int
	trusted []*net.IPNet

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

func newLimiterSet(name string, r rate.Limit, burst int, trusted []*net.IPNet) *limiterSet {
	return &limiterSet{
		name:     name,
		rate:     r,
		burst:    burst,
		trusted:  trusted,
		limiters: make(map[string]*clientLimiter),
	}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if cl, ok := s.limiters[key]; ok {
		cl.lastAccess = now
		return cl.limiter
	}
	cl := &clientLimiter{limiter: rate.NewLimiter(s.rate, s.burst), lastAccess: now}
	s.limiters[key] = cl
	return cl.limiter
}

func (s *limiterSet) evict(ttl time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cl := range s.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// middleware はクライアントIPをキーにレート制限を行うミドルウェアを返す。
// 認証前のエンドポイントに適用するため、ユーザーIDではなくIPで区別する。
func (s *limiterSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientIP(r, s.trusted)
			if !s.get(key).Allow() {
				writeRateLimitResponse(w, s.rate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", key),
					slog.String("limit_type", s.name),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// トークン検証とパスワードログインの2種類を独立に提供する。
type RateLimiter struct {
	config RateLimiterConfig
	verify *limiterSet
	signIn *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config: config,
		verify: newLimiterSet("token_verify", config.VerifyRate, config.VerifyBurst, config.TrustedProxies),
		signIn: newLimiterSet("sign_in", config.SignInRate, config.SignInBurst, config.TrustedProxies),
		stopCh: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// VerifyMiddleware は /token/verify 用のレート制限ミドルウェアを返す。
func (rl *RateLimiter) VerifyMiddleware() func(next http.Handler) http.Handler {
	return rl.verify.middleware()
}

// SignInMiddleware はパスワードログイン・登録用のレート制限ミドルウェアを返す。
func (rl *RateLimiter) SignInMiddleware() func(next http.Handler) http.Handler {
	return rl.signIn.middleware()
}

// VerifyLimiterCount は現在管理されているトークン検証リミッターのエントリ数を返す。
func (rl *RateLimiter) VerifyLimiterCount() int {
	return rl.verify.count()
}

// SignInLimiterCount は現在管理されているログインリミッターのエントリ数を返す。
func (rl *RateLimiter) SignInLimiterCount() int {
	return rl.signIn.count()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
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

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.verify.evict(ttl, now)
	rl.signIn.evict(ttl, now)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
