package site

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

func newTestAuthServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeAPIError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": "x"})
}

func TestAuthClient_Exchange_Success(t *testing.T) {
	srv := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/token/verify" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"token":"bridge-token"`) {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"session_id":"s-1","user":{"id":"u-1","email":"reader@example.com","name":"Reader"},` +
			`"session_expires_at":"2026-03-02T12:00:00Z","access_token":"jwt","token_type":"Bearer","expires_in":900}`))
	})
	client := NewAuthClient(srv.URL, srv.Client(), nil)

	grant, err := client.Exchange(context.Background(), "bridge-token")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if grant.SessionID != "s-1" || grant.User.Email != "reader@example.com" || grant.ExpiresIn != 900 {
		t.Errorf("unexpected grant: %+v", grant)
	}
	if want := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC); !grant.SessionExpiresAt.Equal(want) {
		t.Errorf("SessionExpiresAt = %v", grant.SessionExpiresAt)
	}
}

func TestAuthClient_Exchange_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		wantErr error
	}{
		{"未登録", http.StatusNotFound, model.ErrCodeTokenNotFound, model.ErrTokenNotFound},
		{"期限切れ", http.StatusGone, model.ErrCodeTokenExpired, model.ErrTokenExpired},
		{"使用済み", http.StatusUnauthorized, model.ErrCodeTokenAlreadyConsumed, model.ErrTokenAlreadyConsumed},
		{"無効", http.StatusUnauthorized, model.ErrCodeTokenInvalid, ErrTokenRejected},
		{"コードなし410", http.StatusGone, "", model.ErrTokenExpired},
		{"レート制限", http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", ErrRateLimited},
		{"サーバーエラー", http.StatusInternalServerError, "INTERNAL_ERROR", ErrNetworkFailure},
		{"ゲートウェイ", http.StatusBadGateway, "", ErrNetworkFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.status, tt.code)
			})
			client := NewAuthClient(srv.URL, srv.Client(), nil)

			_, err := client.Exchange(context.Background(), "bridge-token")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Exchange() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthClient_Exchange_RateLimited_ParsesRetryAfter(t *testing.T) {
	srv := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED")
	})
	client := NewAuthClient(srv.URL, srv.Client(), nil)

	_, err := client.Exchange(context.Background(), "bridge-token")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("Exchange() error = %v, want *RateLimitError", err)
	}
	if rl.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", rl.RetryAfter)
	}
	if errors.Is(err, ErrTokenRejected) {
		t.Error("rate limiting must not be reported as a token rejection")
	}
}

func TestAuthClient_Exchange_ForwardsClientIP(t *testing.T) {
	var got string
	srv := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Forwarded-For")
		writeAPIError(w, http.StatusNotFound, model.ErrCodeTokenNotFound)
	})
	client := NewAuthClient(srv.URL, srv.Client(), nil)

	client.Exchange(WithClientIP(context.Background(), "198.51.100.7"), "bridge-token")
	if got != "198.51.100.7" {
		t.Errorf("X-Forwarded-For = %q, want 198.51.100.7", got)
	}

	got = "unset"
	client.Exchange(context.Background(), "bridge-token")
	if got != "" {
		t.Errorf("X-Forwarded-For without client IP = %q, want empty", got)
	}
}

func TestAuthClient_Exchange_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewAuthClient(url, &http.Client{Timeout: time.Second}, nil)
	_, err := client.Exchange(context.Background(), "bridge-token")
	if !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("Exchange() error = %v, want ErrNetworkFailure", err)
	}
}

func TestAuthClient_Exchange_InvalidBodyIsNetworkFailure(t *testing.T) {
	srv := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>proxy error</html>"))
	})
	client := NewAuthClient(srv.URL, srv.Client(), nil)

	_, err := client.Exchange(context.Background(), "bridge-token")
	if !errors.Is(err, ErrNetworkFailure) {
		t.Errorf("Exchange() error = %v, want ErrNetworkFailure", err)
	}
}

func TestAuthClient_Revoke(t *testing.T) {
	var gotAuth string
	srv := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/sign-out" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	client := NewAuthClient(srv.URL, srv.Client(), nil)

	if err := client.Revoke(context.Background(), "access-jwt"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if gotAuth != "Bearer access-jwt" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestAuthClient_Revoke_AlreadyInvalidIsOK(t *testing.T) {
	srv := newTestAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized)
	})
	client := NewAuthClient(srv.URL, srv.Client(), nil)

	if err := client.Revoke(context.Background(), "expired"); err != nil {
		t.Errorf("Revoke() error = %v, want nil", err)
	}
}

func TestAuthClient_LoginURL(t *testing.T) {
	client := NewAuthClient("https://auth.example.com", nil, nil)

	if got := client.LoginURL("github", "/docs/guide?x=1"); got != "https://auth.example.com/oauth/github?redirect=%2Fdocs%2Fguide%3Fx%3D1" {
		t.Errorf("LoginURL() = %q", got)
	}
	if got := client.LoginURL("google", ""); got != "https://auth.example.com/oauth/google" {
		t.Errorf("LoginURL() = %q", got)
	}
}
