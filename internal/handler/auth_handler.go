// Package handler は認証オリジンのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authbridge/internal/auth"
	"github.com/hitoshi/authbridge/internal/middleware"
	"github.com/hitoshi/authbridge/internal/model"
)

const (
	// loginAttemptCookie はログイン試行（state・PKCE verifier・遷移先）を保持する署名付きCookie。
	loginAttemptCookie = "authbridge_login"
	loginAttemptPath   = "/oauth"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Begin(ctx context.Context, provider, redirect string) (*auth.BeginResult, error)
	Complete(ctx context.Context, p auth.CallbackParams) (*auth.LoginResult, error)
	MarkRedirected(provider string)
	AttemptMaxAge() time.Duration
	Redeem(ctx context.Context, token string) (*auth.Redemption, error)
	SignOut(ctx context.Context, sessionID string) error
	CurrentSession(ctx context.Context, sessionID string) (*model.Session, *model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	PublicCallbackURL string // 例: https://docs.example.com/auth-callback
	LoginFailureURL   string // 例: https://docs.example.com/login
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    http.SameSite
	SessionMaxAge     time.Duration
}

// AuthHandler はOAuthフローとセッション関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	if config.CookieSameSite == 0 {
		config.CookieSameSite = http.SameSiteLaxMode
	}
	// SameSite=NoneはSecureなしではブラウザに拒否される
	if config.CookieSameSite == http.SameSiteNoneMode {
		config.CookieSecure = true
	}
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Begin はOAuthフローを開始する。
// GET /oauth/{provider}?redirect=/docs/intro
func (h *AuthHandler) Begin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	result, err := h.service.Begin(r.Context(), provider, r.URL.Query().Get("redirect"))
	if err != nil {
		h.redirectFailure(w, r, err)
		return
	}

	// 試行情報は認証オリジン自身のCookieに置く（SameSite=Laxでプロバイダーからのトップレベル遷移にも送られる）
	http.SetCookie(w, &http.Cookie{
		Name:     loginAttemptCookie,
		Value:    result.AttemptCookie,
		Path:     loginAttemptPath,
		MaxAge:   int(h.service.AttemptMaxAge().Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, result.AuthURL, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /oauth/{provider}/callback?code=xxx&state=yyy
// GET /oauth/{provider}/callback?error=access_denied&error_description=...
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	var attempt string
	if c, err := r.Cookie(loginAttemptCookie); err == nil {
		attempt = c.Value
	}

	// 試行Cookieは結果によらず1回で破棄する
	http.SetCookie(w, &http.Cookie{
		Name:     loginAttemptCookie,
		Value:    "",
		Path:     loginAttemptPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	result, err := h.service.Complete(r.Context(), auth.CallbackParams{
		Provider:         provider,
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		AttemptCookie:    attempt,
	})
	if err != nil {
		h.redirectFailure(w, r, err)
		return
	}

	h.setSessionCookie(w, result.Session)

	target, err := appendQuery(h.config.PublicCallbackURL, url.Values{
		"token":    {result.Token},
		"redirect": {result.Redirect},
	})
	if err != nil {
		slog.Error("invalid public callback URL", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
	h.service.MarkRedirected(provider)
}

// Session は現在のセッションとユーザー情報を返す。
// GET /auth/session （セッションミドルウェア配下）
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	session, user, err := h.service.CurrentSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		slog.Error("failed to load session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		User: toUserResponse(user),
		Session: sessionInfo{
			ID:        session.ID,
			CreatedAt: session.CreatedAt,
			ExpiresAt: session.ExpiresAt,
		},
	})
}

// SignOut はセッションを失効させ、セッションCookieをクリアする。
// POST /auth/sign-out （セッションミドルウェア配下）
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.SignOut(r.Context(), sessionID); err != nil {
		slog.Error("failed to sign out", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// redirectFailure はログイン失敗をフロントエンドのログイン画面へ伝える。
// セッションもトークンも作らずに終わる。
func (h *AuthHandler) redirectFailure(w http.ResponseWriter, r *http.Request, err error) {
	le := auth.AsLoginError(err)

	target, uerr := appendQuery(h.config.LoginFailureURL, url.Values{
		"error":             {le.Code},
		"error_description": {le.Description},
	})
	if uerr != nil {
		slog.Error("invalid login failure URL", slog.String("error", uerr.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, session *model.Session) {
	http.SetCookie(w, h.sessionCookie(session.ID, int(h.config.SessionMaxAge.Seconds())))
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, h.sessionCookie("", -1))
}

// sessionCookie はセッションCookieを組み立てる。
// SameSite=Noneではサードパーティとして送られるため、トップレベルサイトごとに分離する（CHIPS）。
func (h *AuthHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:        middleware.SessionCookieName,
		Value:       value,
		Path:        "/",
		Domain:      h.config.CookieDomain,
		MaxAge:      maxAge,
		HttpOnly:    true,
		Secure:      h.config.CookieSecure,
		SameSite:    h.config.CookieSameSite,
		Partitioned: h.config.CookieSameSite == http.SameSiteNoneMode,
	}
}

// appendQuery はbaseの既存クエリを保ったままパラメータを追加したURLを返す。
func appendQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
