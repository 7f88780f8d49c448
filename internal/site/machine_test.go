package site

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authbridge/internal/bridge"
	"github.com/hitoshi/authbridge/internal/model"
)

// --- モック定義 ---

type mockExchanger struct {
	mu         sync.Mutex
	exchangeFn func(ctx context.Context, token string, call int) (*Grant, error)
	calls      int
}

func (m *mockExchanger) Exchange(ctx context.Context, token string) (*Grant, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, token, call)
	}
	return nil, errors.New("not configured")
}

func (m *mockExchanger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockMachineMetrics struct {
	mu        sync.Mutex
	attempts  []string
	callbacks []string
}

func (m *mockMachineMetrics) RecordExchangeAttempt(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, outcome)
}

func (m *mockMachineMetrics) RecordCallback(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, result)
}

var _ Exchanger = (*mockExchanger)(nil)
var _ MachineMetrics = (*mockMachineMetrics)(nil)

// --- テストヘルパー ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testGrant() *Grant {
	return &Grant{
		SessionID:        "auth-session-1",
		User:             User{ID: "user-1", Email: "reader@example.com", Name: "Reader"},
		SessionExpiresAt: testNow.Add(24 * time.Hour),
		AccessToken:      "access-jwt",
		TokenType:        "Bearer",
		ExpiresIn:        900,
	}
}

func newTestMachine(ex Exchanger, store *LocalSessionStore, metrics MachineMetrics) *CallbackMachine {
	return NewCallbackMachine(ex, store, MachineConfig{
		RetryDelays:   []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
		SessionMaxAge: 12 * time.Hour,
		Now:           func() time.Time { return testNow },
		Metrics:       metrics,
	})
}

func networkFailure() error {
	return fmt.Errorf("%w: connection refused", ErrNetworkFailure)
}

// --- テスト ---

func TestRun_Success_EstablishesSession(t *testing.T) {
	store := NewLocalSessionStore()
	metrics := &mockMachineMetrics{}
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			if token != "bridge-token" {
				t.Errorf("token = %q", token)
			}
			return testGrant(), nil
		},
	}
	m := newTestMachine(ex, store, metrics)

	result, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token", Redirect: "/docs/guide"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State != StateEstablished {
		t.Fatalf("State = %q, want %q", result.State, StateEstablished)
	}
	if result.Redirect != "/docs/guide" {
		t.Errorf("Redirect = %q", result.Redirect)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}

	stored, ok := store.Get(result.Session.ID, testNow)
	if !ok {
		t.Fatal("expected session in store")
	}
	if stored.TokenHash != bridge.HashToken("bridge-token") {
		t.Error("stored session must record the token hash")
	}
	if stored.TokenHash == "bridge-token" {
		t.Error("bridging token itself must not be stored")
	}
	if stored.User.Email != "reader@example.com" || stored.AuthSessionID != "auth-session-1" {
		t.Errorf("unexpected stored session: %+v", stored)
	}
	// ローカルの有効期限はSessionMaxAgeと認証オリジンの期限の短い方
	if want := testNow.Add(12 * time.Hour); !stored.SessionExpiresAt.Equal(want) {
		t.Errorf("SessionExpiresAt = %v, want %v", stored.SessionExpiresAt, want)
	}
	if want := testNow.Add(15 * time.Minute); !stored.AccessExpiresAt.Equal(want) {
		t.Errorf("AccessExpiresAt = %v, want %v", stored.AccessExpiresAt, want)
	}
	if len(metrics.callbacks) != 1 || metrics.callbacks[0] != string(StateEstablished) {
		t.Errorf("callbacks = %v", metrics.callbacks)
	}
}

func TestRun_NetworkFailure_ExactlyMaxAttempts(t *testing.T) {
	store := NewLocalSessionStore()
	metrics := &mockMachineMetrics{}
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			return nil, networkFailure()
		},
	}
	m := newTestMachine(ex, store, metrics)

	result, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := ex.callCount(); got != MaxExchangeAttempts {
		t.Errorf("exchange calls = %d, want %d", got, MaxExchangeAttempts)
	}
	if result.State != StateFailed {
		t.Fatalf("State = %q, want %q", result.State, StateFailed)
	}
	if result.Failure.Code != CodeNetworkFailure {
		t.Errorf("Code = %q, want %q", result.Failure.Code, CodeNetworkFailure)
	}
	if result.Failure.StatusCode() != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", result.Failure.StatusCode(), http.StatusBadGateway)
	}
	if !errors.Is(result.Failure, ErrNetworkFailure) {
		t.Error("failure should wrap ErrNetworkFailure")
	}
	if store.Len() != 0 {
		t.Errorf("store len = %d, want 0", store.Len())
	}
	if len(metrics.attempts) != MaxExchangeAttempts {
		t.Errorf("recorded attempts = %d, want %d", len(metrics.attempts), MaxExchangeAttempts)
	}
}

func TestRun_NetworkFailureThenSuccess(t *testing.T) {
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			if call < 3 {
				return nil, networkFailure()
			}
			return testGrant(), nil
		},
	}
	m := newTestMachine(ex, NewLocalSessionStore(), nil)

	result, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State != StateEstablished {
		t.Fatalf("State = %q, want %q", result.State, StateEstablished)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestRun_RateLimitedThenSuccess(t *testing.T) {
	store := NewLocalSessionStore()
	metrics := &mockMachineMetrics{}
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			if call == 1 {
				return nil, &RateLimitError{RetryAfter: time.Millisecond}
			}
			return testGrant(), nil
		},
	}
	m := newTestMachine(ex, store, metrics)

	result, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State != StateEstablished {
		t.Fatalf("State = %q, want %q (failure %v)", result.State, StateEstablished, result.Failure)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if len(metrics.attempts) != 2 || metrics.attempts[0] != "rate_limited" || metrics.attempts[1] != "success" {
		t.Errorf("attempts = %v", metrics.attempts)
	}
}

func TestRun_RateLimited_GivesUpWithRateLimitedCode(t *testing.T) {
	store := NewLocalSessionStore()
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			return nil, &RateLimitError{RetryAfter: time.Hour}
		},
	}
	m := NewCallbackMachine(ex, store, MachineConfig{
		RetryDelays:   []time.Duration{time.Millisecond},
		MaxRetryAfter: 5 * time.Millisecond,
		Now:           func() time.Time { return testNow },
	})

	start := time.Now()
	result, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Retry-After must be capped by MaxRetryAfter")
	}
	if result.State != StateFailed || result.Failure.Code != CodeRateLimited {
		t.Fatalf("result = %+v", result)
	}
	if result.Failure.StatusCode() != http.StatusServiceUnavailable {
		t.Errorf("StatusCode() = %d, want 503", result.Failure.StatusCode())
	}
	if ex.callCount() != MaxExchangeAttempts {
		t.Errorf("exchange calls = %d, want %d", ex.callCount(), MaxExchangeAttempts)
	}
}

func TestRun_TokenErrors_AreTerminal(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"期限切れ", model.ErrTokenExpired, CodeTokenExpired, http.StatusGone},
		{"未登録", model.ErrTokenNotFound, CodeTokenNotFound, http.StatusUnauthorized},
		{"使用済み", model.ErrTokenAlreadyConsumed, CodeTokenAlreadyConsumed, http.StatusUnauthorized},
		{"無効", fmt.Errorf("%w: status 401", ErrTokenRejected), CodeTokenInvalid, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &mockExchanger{
				exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
					return nil, tt.err
				},
			}
			m := newTestMachine(ex, NewLocalSessionStore(), nil)

			result, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token"})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if ex.callCount() != 1 {
				t.Errorf("exchange calls = %d, want 1", ex.callCount())
			}
			if result.State != StateFailed || result.Failure.Code != tt.wantCode {
				t.Errorf("result = %q/%v, want failed/%s", result.State, result.Failure, tt.wantCode)
			}
			if result.Failure.StatusCode() != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", result.Failure.StatusCode(), tt.wantStatus)
			}
		})
	}
}

func TestRun_ProviderError_SkipsExchange(t *testing.T) {
	ex := &mockExchanger{}
	m := newTestMachine(ex, NewLocalSessionStore(), nil)

	result, err := m.Run(context.Background(), CallbackParams{
		Error:            "access_denied",
		ErrorDescription: "User denied access",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ex.callCount() != 0 {
		t.Errorf("exchange calls = %d, want 0", ex.callCount())
	}
	if result.Failure.Code != CodeProviderError || result.Failure.ProviderCode != "access_denied" {
		t.Errorf("failure = %+v", result.Failure)
	}
	if result.Failure.StatusCode() != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", result.Failure.StatusCode())
	}
}

func TestRun_MissingToken(t *testing.T) {
	ex := &mockExchanger{}
	m := newTestMachine(ex, NewLocalSessionStore(), nil)

	result, err := m.Run(context.Background(), CallbackParams{Redirect: "/docs/intro"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Failure.Code != CodeMissingToken {
		t.Errorf("Code = %q, want %q", result.Failure.Code, CodeMissingToken)
	}
	if ex.callCount() != 0 {
		t.Errorf("exchange calls = %d, want 0", ex.callCount())
	}
}

func TestRun_DoubleClick_AlreadyRedeemedByThisBrowser(t *testing.T) {
	store := NewLocalSessionStore()
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			if call == 1 {
				return testGrant(), nil
			}
			return nil, model.ErrTokenAlreadyConsumed
		},
	}
	m := newTestMachine(ex, store, nil)

	first, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token"})
	if err != nil || first.State != StateEstablished {
		t.Fatalf("first Run() = %+v, %v", first, err)
	}

	second, err := m.Run(context.Background(), CallbackParams{Token: "bridge-token", Existing: first.Session})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.State != StateEstablished {
		t.Fatalf("second State = %q, want %q", second.State, StateEstablished)
	}
	if second.Session.ID != first.Session.ID {
		t.Error("second run should reuse the existing local session")
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}
}

func TestRun_AlreadyConsumed_DifferentToken_Fails(t *testing.T) {
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			return nil, model.ErrTokenAlreadyConsumed
		},
	}
	m := newTestMachine(ex, NewLocalSessionStore(), nil)
	existing := &LocalSession{
		ID:               "local-1",
		TokenHash:        bridge.HashToken("another-token"),
		SessionExpiresAt: testNow.Add(time.Hour),
	}

	result, err := m.Run(context.Background(), CallbackParams{Token: "stolen-token", Existing: existing})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.State != StateFailed || result.Failure.Code != CodeTokenAlreadyConsumed {
		t.Errorf("result = %q/%v", result.State, result.Failure)
	}
}

func TestRun_ContextCanceledDuringRetry(t *testing.T) {
	store := NewLocalSessionStore()
	ctx, cancel := context.WithCancel(context.Background())
	ex := &mockExchanger{
		exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
			cancel()
			return nil, networkFailure()
		},
	}
	m := NewCallbackMachine(ex, store, MachineConfig{
		RetryDelays: []time.Duration{time.Hour},
		Now:         func() time.Time { return testNow },
	})

	result, err := m.Run(ctx, CallbackParams{Token: "bridge-token"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if ex.callCount() != 1 {
		t.Errorf("exchange calls = %d, want 1", ex.callCount())
	}
	if store.Len() != 0 {
		t.Errorf("store len = %d, want 0", store.Len())
	}
}

func TestRun_UnsafeRedirectIsNormalized(t *testing.T) {
	tests := []string{"https://evil.example", "//evil.example/x", "javascript:alert(1)", ""}

	for _, redirect := range tests {
		ex := &mockExchanger{
			exchangeFn: func(ctx context.Context, token string, call int) (*Grant, error) {
				return testGrant(), nil
			},
		}
		m := newTestMachine(ex, NewLocalSessionStore(), nil)

		result, err := m.Run(context.Background(), CallbackParams{Token: "t", Redirect: redirect})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Redirect != "/docs/intro" {
			t.Errorf("redirect %q normalized to %q, want /docs/intro", redirect, result.Redirect)
		}
	}
}
