package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authbridge/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger          *slog.Logger
	OriginPolicy    *middleware.OriginPolicy
	OriginMetrics   middleware.OriginMetrics
	RateLimiter     *middleware.RateLimiter
	SessionResolver middleware.SessionResolver

	// 認証
	AuthService     AuthServiceInterface
	PasswordService PasswordServiceInterface // nilの場合はパスワードログインを公開しない
	AuthConfig      AuthHandlerConfig

	// KeySet はアクセストークン検証用の公開鍵。nilの場合は /jwks を公開しない
	KeySet KeySetProvider
	// CSRF はCookie認証で状態を変えるエンドポイントのCSRF設定
	CSRF middleware.CSRFConfig

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は認証オリジンの全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → TrustBoundary
//
// TrustBoundaryはルーティング前に適用されるため、プリフライトはハンドラーに到達しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewTrustBoundaryMiddleware(deps.OriginPolicy, deps.OriginMetrics))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	tokenHandler := NewTokenHandler(deps.AuthService)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	if deps.KeySet != nil {
		r.Get("/jwks", NewJWKSHandler(deps.KeySet))
	}

	// --- OAuthフロー ---
	r.Route("/oauth/{provider}", func(r chi.Router) {
		r.Get("/", authHandler.Begin)
		r.Get("/callback", authHandler.Callback)
	})

	// --- ブリッジトークン検証（公開オリジンから呼ばれる） ---
	r.With(deps.RateLimiter.VerifyMiddleware()).Post("/token/verify", tokenHandler.Verify)

	r.Route("/auth", func(r chi.Router) {
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// パスワードログイン
		if deps.PasswordService != nil {
			passwordHandler := NewPasswordHandler(deps.PasswordService, authHandler)
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.SignInMiddleware())
				r.Post("/sign-up/email", passwordHandler.SignUp)
				r.Post("/sign-in/email", passwordHandler.SignIn)
			})
		}

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionResolver))
			r.Get("/session", authHandler.Session)
			r.With(middleware.NewCookieAuthCSRFMiddleware(deps.CSRF)).Post("/sign-out", authHandler.SignOut)
		})
	})

	return r
}
