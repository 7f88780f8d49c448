package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/authbridge/internal/config"
)

// TestRun_ServeCommand_FailsWithoutDatabase はserveがDB接続に失敗したときエラーで終了することを検証する。
func TestRun_ServeCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("expected error when database is unreachable")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error = %v, want database related error", err)
	}
}

func TestRun_WorkerCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"worker"}); err == nil {
		t.Fatal("expected error when database is unreachable")
	}
}

func TestRun_MigrateCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil {
		t.Fatal("expected error when database is unreachable")
	}
	if strings.Contains(buf.String(), "pass@") {
		t.Errorf("database password must not be logged: %s", buf.String())
	}
}

// TestRun_DefaultCommand_LoadsServeConfig は引数なしでserveの設定が読み込まれることを検証する。
func TestRun_DefaultCommand_LoadsServeConfig(t *testing.T) {
	clearRequiredEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
	if !strings.Contains(err.Error(), "AUTH_BASE_URL") {
		t.Errorf("error = %v, want missing AUTH_BASE_URL", err)
	}
}

func TestRun_SiteCommand_WithMissingEnv_ReturnsError(t *testing.T) {
	clearRequiredEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"site"})
	if err == nil {
		t.Fatal("Run(site) with missing env should return error")
	}
	if !strings.Contains(err.Error(), "SITE_BASE_URL") {
		t.Errorf("error = %v, want missing SITE_BASE_URL", err)
	}
}

func TestRun_WorkerCommand_InvalidTokenStore(t *testing.T) {
	setTestEnv(t)
	t.Setenv("TOKEN_STORE", "dynamodb")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"worker"}); err == nil {
		t.Fatal("expected error for unknown TOKEN_STORE")
	}
}

func TestRunHealthcheck(t *testing.T) {
	t.Run("200の場合は成功", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				t.Errorf("path = %q, want /health", r.URL.Path)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		if err := runHealthcheck(portOf(t, srv.URL)); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("503の場合はエラー", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		if err := runHealthcheck(portOf(t, srv.URL)); err == nil {
			t.Error("expected error for 503")
		}
	})
}

func TestRateLimiterConfig_ConvertsPerMinute(t *testing.T) {
	rl, err := rateLimiterConfig(&config.Config{
		RateLimitVerify: 60,
		RateLimitSignIn: 6,
		TrustedProxies:  []string{"172.16.0.0/12"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if rl.VerifyRate != 1 {
		t.Errorf("VerifyRate = %v, want 1", rl.VerifyRate)
	}
	if rl.VerifyBurst != 60 {
		t.Errorf("VerifyBurst = %d, want 60", rl.VerifyBurst)
	}
	if rl.SignInRate != 0.1 {
		t.Errorf("SignInRate = %v, want 0.1", rl.SignInRate)
	}
	if rl.CleanupInterval == 0 {
		t.Error("CleanupInterval should keep the default")
	}
	if len(rl.TrustedProxies) != 1 {
		t.Errorf("TrustedProxies = %v", rl.TrustedProxies)
	}

	if _, err := rateLimiterConfig(&config.Config{RateLimitVerify: 1, RateLimitSignIn: 1, TrustedProxies: []string{"proxy"}}); err == nil {
		t.Error("expected error for invalid TRUSTED_PROXIES")
	}
}

func TestNewIssuer_SecretAndPEM(t *testing.T) {
	fromSecret, err := newIssuer(&config.Config{AccessTokenSecret: testSecret, AuthBaseURL: "http://auth", AccessTokenAudience: "a"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fromSecret.KeyID() == "" {
		t.Error("KeyID should not be empty")
	}

	if _, err := newIssuer(&config.Config{AccessTokenSigningKey: "not a pem"}); err == nil {
		t.Error("expected error for invalid ACCESS_TOKEN_SIGNING_KEY")
	}
	if _, err := newIssuer(&config.Config{AccessTokenSecret: "short"}); err == nil {
		t.Error("expected error for short ACCESS_TOKEN_SECRET")
	}
}

func TestNewTokenRepository_Memory(t *testing.T) {
	repo, closeFn, err := newTokenRepository(t.Context(), &config.Config{TokenStore: config.TokenStoreMemory}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer closeFn()
	if repo == nil {
		t.Fatal("expected non-nil repository")
	}
}

func TestNewTokenRepository_InvalidRedisURL(t *testing.T) {
	_, _, err := newTokenRepository(t.Context(), &config.Config{
		TokenStore: config.TokenStoreRedis,
		RedisURL:   "not-a-redis-url",
	}, nil)
	if err == nil {
		t.Fatal("expected error for invalid REDIS_URL")
	}
}

func portOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url: %v", err)
	}
	return u.Port()
}
