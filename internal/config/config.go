package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/authbridge/internal/security"
)

const (
	// MinSecretLength は秘密値として受け付ける最小バイト数。
	MinSecretLength = 32

	// MinTokenLifetime と MaxTokenLifetime はブリッジトークン有効期間の許容範囲。
	MinTokenLifetime = time.Second
	MaxTokenLifetime = 15 * time.Minute
)

// トークンストアの種類
const (
	TokenStorePostgres = "postgres"
	TokenStoreRedis    = "redis"
	TokenStoreMemory   = "memory"
)

// Config は認証オリジン（serve / worker / migrate）の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLife  time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// Origins
	AuthBaseURL       string   `env:"AUTH_BASE_URL"`
	TrustedOrigins    []string `env:"TRUSTED_ORIGINS" envSeparator:","`
	PublicCallbackURL string   `env:"PUBLIC_CALLBACK_URL"`
	LoginFailureURL   string   `env:"LOGIN_FAILURE_URL"`

	// Secrets
	SessionSecret     string `env:"SESSION_SECRET"`
	AccessTokenSecret string `env:"ACCESS_TOKEN_SECRET"`
	// AccessTokenSigningKey はEd25519秘密鍵（PKCS#8 PEM）。指定時はACCESS_TOKEN_SECRETより優先する。
	AccessTokenSigningKey string `env:"ACCESS_TOKEN_SIGNING_KEY"`

	// Access token
	AccessTokenTTL      time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	AccessTokenAudience string        `env:"ACCESS_TOKEN_AUDIENCE" envDefault:"authbridge"`

	// Bridging token
	TokenLifetime  time.Duration `env:"TOKEN_LIFETIME" envDefault:"5m"`
	TokenStore     string        `env:"TOKEN_STORE" envDefault:"postgres"`
	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	TokenRetention time.Duration `env:"TOKEN_CONSUMED_RETENTION" envDefault:"10m"`

	// Session
	SessionMaxAge    time.Duration `env:"SESSION_MAX_AGE" envDefault:"24h"`
	CookieSameSite   string        `env:"COOKIE_SAMESITE" envDefault:"lax"`
	CookieDomain     string        `env:"COOKIE_DOMAIN"`
	CookieSecure     bool          `env:"-"`
	LoginAttemptTTL  time.Duration `env:"LOGIN_ATTEMPT_TTL" envDefault:"10m"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`

	// Accounts
	AccountLinkPolicy   string `env:"ACCOUNT_LINK_POLICY" envDefault:"never"`
	DefaultRedirectPath string `env:"DEFAULT_REDIRECT_PATH" envDefault:"/docs/intro"`
	BcryptCost          int    `env:"BCRYPT_COST" envDefault:"10"`

	// OAuth providers
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GitHubClientID     string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	OIDCIssuerURL      string `env:"OIDC_ISSUER_URL"`
	OIDCClientID       string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret   string `env:"OIDC_CLIENT_SECRET"`
	OIDCName           string `env:"OIDC_NAME" envDefault:"oidc"`

	// Outbound
	OutboundTimeout      time.Duration `env:"OUTBOUND_TIMEOUT" envDefault:"10s"`
	OutboundAllowPrivate bool          `env:"OUTBOUND_ALLOW_PRIVATE" envDefault:"false"`

	// Rate Limit（1分あたり・IPごと）
	RateLimitVerify int `env:"RATE_LIMIT_VERIFY" envDefault:"30"`
	RateLimitSignIn int `env:"RATE_LIMIT_SIGN_IN" envDefault:"10"`
	// TrustedProxies はX-Forwarded-Forを信用する接続元（CIDRまたはIP）。公開オリジンのサーバーを含める。
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// Worker
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10m"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数から認証オリジンのConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}

	// Required fields
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"AUTH_BASE_URL", cfg.AuthBaseURL},
		{"PUBLIC_CALLBACK_URL", cfg.PublicCallbackURL},
		{"LOGIN_FAILURE_URL", cfg.LoginFailureURL},
		{"SESSION_SECRET", cfg.SessionSecret},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if cfg.AccessTokenSecret == "" && cfg.AccessTokenSigningKey == "" {
		missing = append(missing, "ACCESS_TOKEN_SECRET")
	}
	if len(cfg.TrustedOrigins) == 0 {
		missing = append(missing, "TRUSTED_ORIGINS")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.AuthBaseURL, "https://") || cfg.CookieSameSite == "none"

	return cfg, nil
}

// LoadWorker はworker / migrate用にConfigを読み込む。
// DATABASE_URLのみ必須とする。
func LoadWorker() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}
	if err := validateTokenSettings(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.TrustedOrigins = compact(cfg.TrustedOrigins)
	cfg.TrustedProxies = compact(cfg.TrustedProxies)
	cfg.CookieSameSite = strings.ToLower(strings.TrimSpace(cfg.CookieSameSite))
	cfg.TokenStore = strings.ToLower(strings.TrimSpace(cfg.TokenStore))
	cfg.AuthBaseURL = strings.TrimRight(cfg.AuthBaseURL, "/")
	return cfg, nil
}

func (c *Config) validate() error {
	if err := validateTokenSettings(c); err != nil {
		return err
	}
	if len(c.SessionSecret) < MinSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes", MinSecretLength)
	}
	if c.AccessTokenSigningKey == "" && len(c.AccessTokenSecret) < MinSecretLength {
		return fmt.Errorf("ACCESS_TOKEN_SECRET must be at least %d bytes", MinSecretLength)
	}
	for _, origin := range c.TrustedOrigins {
		if origin == "*" {
			return fmt.Errorf("TRUSTED_ORIGINS must not contain a wildcard")
		}
	}
	for name, raw := range map[string]string{
		"AUTH_BASE_URL":       c.AuthBaseURL,
		"PUBLIC_CALLBACK_URL": c.PublicCallbackURL,
		"LOGIN_FAILURE_URL":   c.LoginFailureURL,
	} {
		if err := validateAbsoluteURL(raw); err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
	}
	switch c.CookieSameSite {
	case "lax", "strict", "none":
	default:
		return fmt.Errorf("COOKIE_SAMESITE must be one of lax, strict, none: %q", c.CookieSameSite)
	}
	switch c.AccountLinkPolicy {
	case "never", "verified_email":
	default:
		return fmt.Errorf("ACCOUNT_LINK_POLICY must be never or verified_email: %q", c.AccountLinkPolicy)
	}
	if !security.IsSafeRedirectPath(c.DefaultRedirectPath) {
		return fmt.Errorf("DEFAULT_REDIRECT_PATH must be a same-origin path: %q", c.DefaultRedirectPath)
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}
	if c.RateLimitVerify <= 0 || c.RateLimitSignIn <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.OIDCIssuerURL != "" && (c.OIDCClientID == "" || c.OIDCClientSecret == "") {
		return fmt.Errorf("OIDC_CLIENT_ID and OIDC_CLIENT_SECRET are required when OIDC_ISSUER_URL is set")
	}
	return nil
}

func validateTokenSettings(c *Config) error {
	if c.TokenLifetime < MinTokenLifetime || c.TokenLifetime > MaxTokenLifetime {
		return fmt.Errorf("TOKEN_LIFETIME must be between %v and %v: %v", MinTokenLifetime, MaxTokenLifetime, c.TokenLifetime)
	}
	switch c.TokenStore {
	case TokenStorePostgres, TokenStoreRedis, TokenStoreMemory:
	default:
		return fmt.Errorf("TOKEN_STORE must be one of postgres, redis, memory: %q", c.TokenStore)
	}
	return nil
}

// SameSite はCOOKIE_SAMESITEに対応するhttp.SameSiteを返す。
func (c *Config) SameSite() http.SameSite {
	switch c.CookieSameSite {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// CallbackURL はプロバイダーのコールバックURLを返す。
func (c *Config) CallbackURL(provider string) string {
	return c.AuthBaseURL + "/oauth/" + provider + "/callback"
}

// GoogleEnabled はGoogleログインの設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// GitHubEnabled はGitHubログインの設定が揃っているかを返す。
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// OIDCEnabled は汎用OIDCプロバイダーの設定が揃っているかを返す。
func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuerURL != "" && c.OIDCClientID != "" && c.OIDCClientSecret != ""
}

// SiteConfig は公開オリジン（site）の設定を保持する。
type SiteConfig struct {
	BaseURL             string        `env:"SITE_BASE_URL"`
	AuthURL             string        `env:"SITE_AUTH_URL"`
	Port                string        `env:"SITE_PORT" envDefault:"3000"`
	SessionMaxAge       time.Duration `env:"SITE_SESSION_MAX_AGE" envDefault:"24h"`
	ExchangeTimeout     time.Duration `env:"SITE_EXCHANGE_TIMEOUT" envDefault:"5s"`
	DefaultRedirectPath string        `env:"DEFAULT_REDIRECT_PATH" envDefault:"/docs/intro"`
	Providers           []string      `env:"SITE_PROVIDERS" envSeparator:"," envDefault:"google,github"`
	TrustedProxies      []string      `env:"SITE_TRUSTED_PROXIES" envSeparator:","`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	CookieSecure        bool          `env:"-"`
}

// LoadSite は環境変数から公開オリジンのSiteConfigを読み込む。
func LoadSite() (*SiteConfig, error) {
	cfg := &SiteConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	var missing []string
	if cfg.BaseURL == "" {
		missing = append(missing, "SITE_BASE_URL")
	}
	if cfg.AuthURL == "" {
		missing = append(missing, "SITE_AUTH_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	cfg.Providers = compact(cfg.Providers)
	cfg.TrustedProxies = compact(cfg.TrustedProxies)

	for name, raw := range map[string]string{
		"SITE_BASE_URL": cfg.BaseURL,
		"SITE_AUTH_URL": cfg.AuthURL,
	} {
		if err := validateAbsoluteURL(raw); err != nil {
			return nil, fmt.Errorf("%s is invalid: %w", name, err)
		}
	}
	if !security.IsSafeRedirectPath(cfg.DefaultRedirectPath) {
		return nil, fmt.Errorf("DEFAULT_REDIRECT_PATH must be a same-origin path: %q", cfg.DefaultRedirectPath)
	}
	if cfg.SessionMaxAge <= 0 || cfg.ExchangeTimeout <= 0 {
		return nil, fmt.Errorf("SITE_SESSION_MAX_AGE and SITE_EXCHANGE_TIMEOUT must be positive")
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is empty")
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
