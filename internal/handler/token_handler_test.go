package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authbridge/internal/auth"
	"github.com/hitoshi/authbridge/internal/bridge"
	"github.com/hitoshi/authbridge/internal/middleware"
	"github.com/hitoshi/authbridge/internal/model"
)

func newTestTokenHandler(svc *mockAuthService, now time.Time) *TokenHandler {
	h := NewTokenHandler(svc)
	h.now = func() time.Time { return now }
	return h
}

func TestTokenHandler_Verify_JSONBody_ReturnsClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotToken string
	svc := &mockAuthService{
		redeemFn: func(ctx context.Context, token string) (*auth.Redemption, error) {
			gotToken = token
			return &auth.Redemption{
				User:            testUser(),
				Session:         testSession(),
				AccessToken:     "jwt-access",
				AccessExpiresAt: now.Add(15 * time.Minute),
			}, nil
		},
	}
	h := newTestTokenHandler(svc, now)

	req := httptest.NewRequest(http.MethodPost, "/token/verify", strings.NewReader(`{"token":"t-123"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.Verify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if gotToken != "t-123" {
		t.Errorf("token = %q, want t-123", gotToken)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, key := range []string{"session_id", "user", "session_expires_at", "access_token", "token_type", "expires_in"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", body["token_type"])
	}
	if body["expires_in"] != float64(900) {
		t.Errorf("expires_in = %v, want 900", body["expires_in"])
	}
	user := body["user"].(map[string]interface{})
	if user["email"] != "reader@example.com" {
		t.Errorf("user.email = %v", user["email"])
	}
}

func TestTokenHandler_Verify_HeaderTakesPrecedence(t *testing.T) {
	var gotToken string
	svc := &mockAuthService{
		redeemFn: func(ctx context.Context, token string) (*auth.Redemption, error) {
			gotToken = token
			return &auth.Redemption{User: testUser(), Session: testSession()}, nil
		},
	}
	h := NewTokenHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/token/verify", strings.NewReader(`{"token":"from-body"}`))
	req.Header.Set(middleware.BridgeTokenHeader, "from-header")
	w := httptest.NewRecorder()

	h.Verify(w, req)

	if gotToken != "from-header" {
		t.Errorf("token = %q, want from-header", gotToken)
	}
	// 期限を過ぎたアクセストークンのexpires_inは0に丸める
	var body verifyResponse
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.ExpiresIn != 0 {
		t.Errorf("expires_in = %d, want 0", body.ExpiresIn)
	}
}

func TestTokenHandler_Verify_MissingToken_Returns400(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"空ボディ", ""},
		{"tokenなし", `{}`},
		{"空白のみ", `{"token":"   "}`},
		{"JSONでない", `token=abc`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTokenHandler(&mockAuthService{})
			req := httptest.NewRequest(http.MethodPost, "/token/verify", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			h.Verify(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			var body middleware.ErrorResponseBody
			_ = json.NewDecoder(w.Body).Decode(&body)
			if body.Code != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
			}
		})
	}
}

func TestTokenHandler_Verify_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"未登録", model.ErrTokenNotFound, http.StatusNotFound, model.ErrCodeTokenNotFound},
		{"期限切れ", model.ErrTokenExpired, http.StatusGone, model.ErrCodeTokenExpired},
		{"使用済み", model.ErrTokenAlreadyConsumed, http.StatusUnauthorized, model.ErrCodeTokenAlreadyConsumed},
		{"形式不正", bridge.ErrMalformedToken, http.StatusUnauthorized, model.ErrCodeTokenInvalid},
		{"セッション失効", auth.ErrSessionNotFound, http.StatusUnauthorized, model.ErrCodeTokenInvalid},
		{"ラップされた使用済み", fmt.Errorf("redeem: %w", model.ErrTokenAlreadyConsumed), http.StatusUnauthorized, model.ErrCodeTokenAlreadyConsumed},
		{"ストア障害", errors.New("redis: connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				redeemFn: func(ctx context.Context, token string) (*auth.Redemption, error) {
					return nil, tt.err
				},
			}
			h := NewTokenHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/token/verify", nil)
			req.Header.Set(middleware.BridgeTokenHeader, "some-token")
			w := httptest.NewRecorder()

			h.Verify(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body middleware.ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestTokenHandler_Verify_OversizedBody_Returns400(t *testing.T) {
	h := NewTokenHandler(&mockAuthService{})
	big := `{"token":"` + strings.Repeat("a", maxVerifyBodyBytes+10) + `"}`

	req := httptest.NewRequest(http.MethodPost, "/token/verify", strings.NewReader(big))
	w := httptest.NewRecorder()

	h.Verify(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
