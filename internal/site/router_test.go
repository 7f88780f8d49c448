package site

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/authbridge/internal/middleware"
)

func TestRouter_Health(t *testing.T) {
	env := newSiteEnv(t, &mockExchanger{})

	resp := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestRouter_CSRFToken_MatchesCookie(t *testing.T) {
	env := newSiteEnv(t, &mockExchanger{})

	resp := env.do(httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Token == "" {
		t.Fatal("expected non-empty token")
	}

	c := findCookie(resp, "csrf_token")
	if c == nil {
		t.Fatal("expected csrf_token cookie")
	}
	if c.Value != body.Token {
		t.Errorf("cookie = %q, body = %q, want equal", c.Value, body.Token)
	}
}

func TestRouter_MetricsOnlyWhenConfigured(t *testing.T) {
	env := newSiteEnv(t, &mockExchanger{})

	resp := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status without metrics handler = %d, want 404", resp.StatusCode)
	}

	store := NewLocalSessionStore()
	h := NewHandler(NewCallbackMachine(&mockExchanger{}, store, MachineConfig{}), &mockAuthOrigin{}, store, HandlerConfig{})
	router := NewRouter(&RouterDeps{
		Handler: h,
		CSRF:    middleware.CSRFConfig{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("status with metrics handler = %d, want %d", w.Code, http.StatusTeapot)
	}
}
