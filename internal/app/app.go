// Package app はサブコマンドごとの依存関係の組み立てとプロセスのライフサイクルを管理する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/authbridge/internal/auth"
	"github.com/hitoshi/authbridge/internal/bridge"
	"github.com/hitoshi/authbridge/internal/claims"
	"github.com/hitoshi/authbridge/internal/config"
	"github.com/hitoshi/authbridge/internal/database"
	"github.com/hitoshi/authbridge/internal/handler"
	"github.com/hitoshi/authbridge/internal/logger"
	"github.com/hitoshi/authbridge/internal/metrics"
	"github.com/hitoshi/authbridge/internal/middleware"
	"github.com/hitoshi/authbridge/internal/repository"
	"github.com/hitoshi/authbridge/internal/security"
	"github.com/hitoshi/authbridge/internal/site"
	"github.com/hitoshi/authbridge/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init は認証オリジン（serve）の初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	setupLogger(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// setupLogger はLOG_LEVELに従ってグローバルロガーを設定する。
// 不正な値の場合はinfoで初期化し、警告を出す。
func setupLogger(w io.Writer) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	logger.SetupDefault(w, level)
	if err != nil {
		slog.Warn("invalid LOG_LEVEL, falling back to info", slog.String("error", err.Error()))
	}
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort(args))
	}

	switch cmd {
	case CommandSite:
		setupLogger(w)
		cfg, err := config.LoadSite()
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		slog.Info("starting application",
			slog.String("command", string(cmd)),
			slog.String("port", cfg.Port),
			slog.String("base_url", cfg.BaseURL),
		)
		return runSite(cfg)

	case CommandWorker, CommandMigrate:
		setupLogger(w)
		cfg, err := config.LoadWorker()
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		slog.Info("starting application", slog.String("command", string(cmd)))
		if cmd == CommandMigrate {
			return runMigrate(cfg)
		}
		return runWorker(cfg)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.AuthBaseURL),
		slog.String("token_store", cfg.TokenStore),
	)
	return runServe(cfg)
}

// runServe は認証オリジンのAPIサーバーを起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)

	tokenRepo, closeTokens, err := newTokenRepository(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeTokens()

	// 4. ドメインサービスの初期化
	tokens := bridge.NewService(tokenRepo, bridge.Config{
		Lifetime: cfg.TokenLifetime,
		Metrics:  collector,
		Logger:   slog.Default(),
	})

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}

	issuer, err := newIssuer(cfg)
	if err != nil {
		return err
	}
	slog.Info("access token signing key loaded", slog.String("kid", issuer.KeyID()))

	linkPolicy, err := auth.ParseLinkPolicy(cfg.AccountLinkPolicy)
	if err != nil {
		return err
	}

	authService := auth.NewService(
		providers,
		auth.NewAccountResolver(userRepo, identRepo, linkPolicy),
		userRepo,
		sessionRepo,
		tokens,
		issuer,
		security.NewAttemptSigner([]byte(cfg.SessionSecret), cfg.LoginAttemptTTL),
		auth.ServiceConfig{
			SessionMaxAge:   cfg.SessionMaxAge,
			DefaultRedirect: cfg.DefaultRedirectPath,
			Metrics:         collector,
		},
	)
	passwordService := auth.NewPasswordService(authService, userRepo, credRepo, cfg.BcryptCost)

	slog.Info("login providers configured", slog.Any("providers", authService.Providers()))

	// 5. 信頼境界とレート制限
	originPolicy, err := middleware.NewOriginPolicy(cfg.TrustedOrigins)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_ORIGINS: %w", err)
	}
	slog.Info("trusted origins loaded", slog.Any("origins", originPolicy.Origins()))

	rlConfig, err := rateLimiterConfig(cfg)
	if err != nil {
		return err
	}
	rateLimiter := middleware.NewRateLimiter(rlConfig)
	defer rateLimiter.Stop()

	// 6. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		OriginPolicy:    originPolicy,
		OriginMetrics:   collector,
		RateLimiter:     rateLimiter,
		SessionResolver: authService,

		AuthService:     authService,
		PasswordService: passwordService,
		AuthConfig: handler.AuthHandlerConfig{
			PublicCallbackURL: cfg.PublicCallbackURL,
			LoginFailureURL:   cfg.LoginFailureURL,
			CookieDomain:      cfg.CookieDomain,
			CookieSecure:      cfg.CookieSecure,
			CookieSameSite:    cfg.SameSite(),
			SessionMaxAge:     cfg.SessionMaxAge,
		},

		KeySet:         issuer,
		CSRF:           middleware.CSRFConfig{CookieSecure: cfg.CookieSecure, SameSite: cfg.SameSite()},
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
	})

	// メモリストアはworkerから見えないため、期限切れトークンの掃除をこのプロセスで行う
	if cfg.TokenStore == config.TokenStoreMemory {
		go sweepTokens(ctx, tokens, collector, cfg.CleanupInterval)
	}

	// 7. HTTPサーバーの起動
	return serveHTTP(ctx, "API server", newServer(cfg.ServerPort, router))
}

// runSite は公開オリジン（ドキュメントサイト）のサーバーを起動する。
func runSite(cfg *config.SiteConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trustedProxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid SITE_TRUSTED_PROXIES: %w", err)
	}

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 認証オリジンへのクライアントはこのプロセスで1つだけ生成して注入する
	client := site.NewAuthClient(cfg.AuthURL, &http.Client{Timeout: cfg.ExchangeTimeout}, slog.Default())

	store := site.NewLocalSessionStore()
	go store.StartSweeper(ctx, 10*time.Minute, slog.Default())

	machine := site.NewCallbackMachine(client, store, site.MachineConfig{
		DefaultRedirect: cfg.DefaultRedirectPath,
		SessionMaxAge:   cfg.SessionMaxAge,
		Metrics:         collector,
		Logger:          slog.Default(),
	})
	h := site.NewHandler(machine, client, store, site.HandlerConfig{
		Providers:       cfg.Providers,
		DefaultRedirect: cfg.DefaultRedirectPath,
		CookieSecure:    cfg.CookieSecure,
		TrustedProxies:  trustedProxies,
	})

	router := site.NewRouter(&site.RouterDeps{
		Logger:         slog.Default(),
		Handler:        h,
		CSRF:           middleware.CSRFConfig{CookieSecure: cfg.CookieSecure},
		MetricsHandler: metrics.Handler(reg),
	})

	return serveHTTP(ctx, "site server", newServer(cfg.Port, router))
}

// runWorker はワーカーモードで起動する。
// 期限切れのブリッジトークンとセッションを定期的に削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// PostgreSQLストア以外はトークンを別の仕組みで失効させる（Redisは有効期限、メモリはserveプロセス）
	var tokens cleanup.TokenSweeper
	if cfg.TokenStore == config.TokenStorePostgres {
		tokens = bridge.NewService(repository.NewPostgresTokenRepo(db), bridge.Config{
			Lifetime: cfg.TokenLifetime,
			Logger:   slog.Default(),
		})
	}

	job := cleanup.NewCleanupJob(db, tokens, collector, slog.Default())
	job.SessionRetention = cfg.SessionRetention

	// ワーカーはAPIを持たないため、メトリクスのみを公開する
	metricsServer := newServer(cfg.ServerPort, metrics.SetupMetricsRoute(reg))
	go func() {
		if err := serveHTTP(ctx, "worker metrics server", metricsServer); err != nil {
			slog.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.String("token_store", cfg.TokenStore),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// healthcheckPort は確認先のポートを返す。
// 引数 "healthcheck <port>" を優先し、なければSERVER_PORT、それもなければ8080を使う。
func healthcheckPort(args []string) string {
	if len(args) > 1 && args[1] != "" {
		return args[1]
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLife,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// newTokenRepository はTOKEN_STOREに応じたブリッジトークンのリポジトリを返す。
// 返り値の関数で外部接続を閉じる。
func newTokenRepository(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.TokenRepository, func(), error) {
	switch cfg.TokenStore {
	case config.TokenStoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		slog.Info("redis connection established", slog.String("addr", opts.Addr))
		return repository.NewRedisTokenRepo(client, cfg.TokenRetention), func() { client.Close() }, nil

	case config.TokenStoreMemory:
		slog.Warn("using in-memory token store; tokens are not shared between processes")
		return repository.NewMemoryTokenRepo(), func() {}, nil

	default:
		return repository.NewPostgresTokenRepo(db), func() {}, nil
	}
}

// buildProviders は設定済みのOAuthプロバイダーを登録したRegistryを返す。
// プロバイダーへの通信はSSRF対策済みのクライアントで行う。
func buildProviders(ctx context.Context, cfg *config.Config) (*auth.Registry, error) {
	outbound := security.NewOutboundClient(security.OutboundConfig{
		Timeout:              cfg.OutboundTimeout,
		AllowPrivateNetworks: cfg.OutboundAllowPrivate,
	})

	var providers []auth.Provider

	if cfg.GoogleEnabled() {
		p, err := auth.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.CallbackURL("google"), outbound)
		if err != nil {
			return nil, fmt.Errorf("failed to configure google provider: %w", err)
		}
		providers = append(providers, p)
	}

	if cfg.GitHubEnabled() {
		p, err := auth.NewGitHubProvider(auth.GitHubConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.CallbackURL("github"),
			HTTPClient:   outbound,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure github provider: %w", err)
		}
		providers = append(providers, p)
	}

	if cfg.OIDCEnabled() {
		if err := security.ValidateEndpoint(cfg.OIDCIssuerURL, cfg.OutboundAllowPrivate); err != nil {
			return nil, fmt.Errorf("invalid OIDC_ISSUER_URL: %w", err)
		}
		p, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			Name:         cfg.OIDCName,
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.CallbackURL(cfg.OIDCName),
			HTTPClient:   outbound,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure oidc provider: %w", err)
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		slog.Warn("no OAuth provider configured; only password login is available")
	}
	return auth.NewRegistry(providers...), nil
}

// rateLimiterConfig はreq/min単位の設定値をreq/secのレートに変換する。
func rateLimiterConfig(cfg *config.Config) (middleware.RateLimiterConfig, error) {
	rl := middleware.DefaultRateLimiterConfig()
	rl.VerifyRate = rate.Limit(float64(cfg.RateLimitVerify) / 60.0)
	rl.VerifyBurst = cfg.RateLimitVerify
	rl.SignInRate = rate.Limit(float64(cfg.RateLimitSignIn) / 60.0)
	rl.SignInBurst = cfg.RateLimitSignIn

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return rl, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	rl.TrustedProxies = proxies
	return rl, nil
}

// newIssuer はアクセストークンの署名鍵を読み込んでIssuerを生成する。
// ACCESS_TOKEN_SIGNING_KEYがあればそれを、なければACCESS_TOKEN_SECRETから導出した鍵を使う。
func newIssuer(cfg *config.Config) (*claims.Issuer, error) {
	c := claims.Config{
		Secret:   []byte(cfg.AccessTokenSecret),
		Issuer:   cfg.AuthBaseURL,
		Audience: cfg.AccessTokenAudience,
		TTL:      cfg.AccessTokenTTL,
	}
	if cfg.AccessTokenSigningKey != "" {
		key, err := claims.KeyFromPEM([]byte(cfg.AccessTokenSigningKey))
		if err != nil {
			return nil, fmt.Errorf("invalid ACCESS_TOKEN_SIGNING_KEY: %w", err)
		}
		c.SigningKey = key
	}
	issuer, err := claims.NewIssuer(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token issuer: %w", err)
	}
	return issuer, nil
}

// sweepTokens はintervalごとに期限切れのブリッジトークンを削除する。
func sweepTokens(ctx context.Context, tokens cleanup.TokenSweeper, m cleanup.SweepMetrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tokens.Sweep(ctx)
			if err != nil {
				slog.Error("token sweep failed", slog.String("error", err.Error()))
				continue
			}
			m.RecordSweep("bridging_tokens", n)
		}
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serveHTTP はctxが終了するまでサーバーを動かし、終了後にグレースフルシャットダウンする。
func serveHTTP(ctx context.Context, name string, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
