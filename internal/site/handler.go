package site

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hitoshi/authbridge/internal/middleware"
	"github.com/hitoshi/authbridge/internal/security"
)

// SessionCookieName は公開オリジンのファーストパーティセッションCookie名。
const SessionCookieName = "docs_session"

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// AuthOrigin は公開オリジンが認証オリジンに対して行う操作。
type AuthOrigin interface {
	LoginURL(provider, redirect string) string
	Revoke(ctx context.Context, accessToken string) error
}

// HandlerConfig は公開オリジンハンドラーの設定。
type HandlerConfig struct {
	Providers       []string
	DefaultRedirect string
	CookieSecure    bool
	// TrustedProxies は公開オリジンの前段にあるプロキシ。利用者のIPを求めるのに使う。
	TrustedProxies []*net.IPNet
}

// Handler は公開オリジンのHTTPハンドラー。
type Handler struct {
	machine   *CallbackMachine
	origin    AuthOrigin
	store     *LocalSessionStore
	sanitizer *security.TextSanitizer
	config    HandlerConfig
	now       func() time.Time
}

// NewHandler はHandlerを生成する。
func NewHandler(machine *CallbackMachine, origin AuthOrigin, store *LocalSessionStore, config HandlerConfig) *Handler {
	if config.DefaultRedirect == "" {
		config.DefaultRedirect = security.DefaultRedirectPath
	}
	return &Handler{
		machine:   machine,
		origin:    origin,
		store:     store,
		sanitizer: security.NewTextSanitizer(),
		config:    config,
		now:       time.Now,
	}
}

// Callback は認証オリジンからのリダイレクトを受け、トークンを引き換えてセッションを確立する。
// GET /auth-callback?token=xxx&redirect=/docs/intro
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	existing, _ := h.currentSession(r)

	ctx := WithClientIP(r.Context(), middleware.ClientIP(r, h.config.TrustedProxies))
	result, err := h.machine.Run(ctx, CallbackParams{
		Token:            q.Get("token"),
		Redirect:         q.Get("redirect"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		Existing:         existing,
	})
	if err != nil {
		// ブラウザが離脱した。書き込み先がないので何もしない
		return
	}

	if result.State == StateFailed {
		h.renderFailure(w, result.Failure)
		return
	}

	h.setSessionCookie(w, result.Session)
	http.Redirect(w, r, result.Redirect, http.StatusFound)
}

type providerLink struct {
	Name string
	URL  string
}

type loginPage struct {
	Error            string
	ErrorDescription string
	User             *User
	CSRFToken        string
	Providers        []providerLink
}

// Login はログイン画面を表示する。
// GET /login?redirect=/docs/intro&error=access_denied&error_description=...
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect := security.SafeRedirectPath(q.Get("redirect"), h.config.DefaultRedirect)

	page := loginPage{
		Error:            h.sanitizer.Sanitize(q.Get("error")),
		ErrorDescription: h.sanitizer.Sanitize(q.Get("error_description")),
		CSRFToken:        middleware.CSRFTokenFromContext(r.Context()),
	}
	if session, ok := h.currentSession(r); ok {
		user := session.User
		page.User = &user
	}
	for _, p := range h.config.Providers {
		page.Providers = append(page.Providers, providerLink{Name: p, URL: h.origin.LoginURL(p, redirect)})
	}

	h.render(w, http.StatusOK, "login.html", page)
}

type sessionState struct {
	Authenticated bool       `json:"authenticated"`
	User          *User      `json:"user,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CSRFToken     string     `json:"csrf_token,omitempty"`
}

// Session はローカルのログイン状態をJSONで返す。
// GET /session
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	state := sessionState{CSRFToken: middleware.CSRFTokenFromContext(r.Context())}
	if session, ok := h.currentSession(r); ok {
		user := session.User
		expiresAt := session.SessionExpiresAt
		state.Authenticated = true
		state.User = &user
		state.ExpiresAt = &expiresAt
	}
	writeJSON(w, http.StatusOK, state)
}

// Logout はローカルのログイン状態を破棄し、認証オリジンのセッションも失効させる。
// POST /logout （CSRFミドルウェア配下）
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		if session, ok := h.store.Delete(c.Value); ok && session.AccessToken != "" {
			if err := h.origin.Revoke(r.Context(), session.AccessToken); err != nil {
				slog.Warn("failed to revoke auth session",
					slog.String("error", err.Error()),
				)
			}
		}
	}

	h.clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// currentSession はCookieに対応する有効なローカルセッションを返す。
func (h *Handler) currentSession(r *http.Request) (*LocalSession, bool) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, false
	}
	return h.store.Get(c.Value, h.now())
}

type errorPage struct {
	Code         string
	ProviderCode string
	Description  string
	LoginURL     string
}

// renderFailure はエラー画面を表示する。ログイン画面へのリンクのみを置き、自動では遷移しない。
func (h *Handler) renderFailure(w http.ResponseWriter, f *Failure) {
	description := h.sanitizer.Sanitize(f.Description)
	if description == "" {
		description = "ログインを完了できませんでした"
	}
	h.render(w, f.StatusCode(), "error.html", errorPage{
		Code:         f.Code,
		ProviderCode: h.sanitizer.Sanitize(f.ProviderCode),
		Description:  description,
		LoginURL:     "/login?error=" + f.Code,
	})
}

func (h *Handler) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("failed to render page",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, session *LocalSession) {
	maxAge := int(session.SessionExpiresAt.Sub(h.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
