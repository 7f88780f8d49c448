// Package auth はOAuthログインの調停、アカウント解決、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/authbridge/internal/claims"
	"github.com/hitoshi/authbridge/internal/model"
	"github.com/hitoshi/authbridge/internal/repository"
	"github.com/hitoshi/authbridge/internal/security"
)

// ErrSessionNotFound はセッションが存在しないか、期限切れまたは失効済みであることを示す。
var ErrSessionNotFound = errors.New("session not found or expired")

// BridgeTokens はブリッジトークンの発行と消費を行う。
type BridgeTokens interface {
	Issue(ctx context.Context, sessionID string) (string, *model.BridgingToken, error)
	VerifyAndConsume(ctx context.Context, token string) (string, error)
}

// LoginMetrics はログイン結果の計測インターフェース。
type LoginMetrics interface {
	RecordLogin(provider, result string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge   time.Duration
	DefaultRedirect string
	Now             func() time.Time
	Metrics         LoginMetrics
}

// Service はOAuthログインを状態遷移として調停し、セッションとブリッジトークンを発行する。
type Service struct {
	providers   *Registry
	resolver    *AccountResolver
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	tokens      BridgeTokens
	access      *claims.Issuer
	signer      *security.AttemptSigner
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	providers *Registry,
	resolver *AccountResolver,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokens BridgeTokens,
	access *claims.Issuer,
	signer *security.AttemptSigner,
	config ServiceConfig,
) *Service {
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 24 * time.Hour
	}
	if config.DefaultRedirect == "" {
		config.DefaultRedirect = security.DefaultRedirectPath
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Metrics == nil {
		config.Metrics = noopLoginMetrics{}
	}
	return &Service{
		providers:   providers,
		resolver:    resolver,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		tokens:      tokens,
		access:      access,
		signer:      signer,
		config:      config,
	}
}

// Providers は有効なプロバイダー名を返す。
func (s *Service) Providers() []string {
	return s.providers.Names()
}

// AttemptMaxAge はログイン試行Cookieの有効期間を返す。
func (s *Service) AttemptMaxAge() time.Duration {
	return s.signer.MaxAge()
}

// BeginResult はプロバイダーへのリダイレクトに必要な情報。
type BeginResult struct {
	AuthURL       string
	AttemptCookie string
	Redirect      string
}

// Begin はログイン試行を開始する（Idle → ProviderRedirect）。
// 遷移先は同一オリジンの相対パスに正規化し、state・PKCE verifierとともに署名付きCookie値にまとめる。
func (s *Service) Begin(ctx context.Context, providerName, redirect string) (*BeginResult, error) {
	provider, ok := s.providers.Get(providerName)
	if !ok {
		le := loginFailure(CodeUnknownProvider, "未対応のログインプロバイダーです", nil)
		s.fail(providerName, StateIdle, le)
		return nil, le
	}

	state, err := security.RandomString(32)
	if err != nil {
		return nil, loginFailure(CodeServerError, "ログインを開始できませんでした", fmt.Errorf("failed to generate state: %w", err))
	}
	verifier := oauth2.GenerateVerifier()
	redirect = security.SafeRedirectPath(redirect, s.config.DefaultRedirect)

	cookie, err := s.signer.Encode(security.LoginAttempt{
		State:    state,
		Verifier: verifier,
		Redirect: redirect,
		Provider: providerName,
		IssuedAt: s.config.Now(),
	})
	if err != nil {
		return nil, loginFailure(CodeServerError, "ログインを開始できませんでした", err)
	}

	s.transition(providerName, StateProviderRedirect)
	return &BeginResult{
		AuthURL:       provider.AuthCodeURL(state, verifier),
		AttemptCookie: cookie,
		Redirect:      redirect,
	}, nil
}

// CallbackParams はプロバイダーからのコールバックで受け取る値。
type CallbackParams struct {
	Provider         string
	State            string
	Code             string
	Error            string
	ErrorDescription string
	AttemptCookie    string
}

// LoginResult はログイン成功時の結果。Tokenはフロントエンドへ渡すブリッジトークン。
type LoginResult struct {
	User     *model.User
	Session  *model.Session
	Token    string
	Redirect string
}

// Complete はコールバックを処理し、セッション確立とトークン発行まで進める。
// TokenIssuedに到達する前の失敗はすべて*LoginErrorとして返し、セッションもトークンも残さない。
func (s *Service) Complete(ctx context.Context, p CallbackParams) (*LoginResult, error) {
	if p.Error != "" {
		le := loginFailure(p.Error, p.ErrorDescription, nil)
		s.fail(p.Provider, StateProviderRedirect, le)
		return nil, le
	}

	provider, ok := s.providers.Get(p.Provider)
	if !ok {
		le := loginFailure(CodeUnknownProvider, "未対応のログインプロバイダーです", nil)
		s.fail(p.Provider, StateProviderRedirect, le)
		return nil, le
	}

	attempt, err := s.signer.Decode(p.AttemptCookie, s.config.Now())
	if err != nil || attempt.Provider != p.Provider || p.State == "" || !security.ConstantTimeEqual(attempt.State, p.State) {
		le := loginFailure(CodeInvalidState, "ログイン要求が無効または期限切れです。もう一度お試しください", err)
		s.fail(p.Provider, StateProviderRedirect, le)
		return nil, le
	}
	s.transition(p.Provider, StateProviderCallbackReceived)

	if p.Code == "" {
		le := loginFailure(CodeMissingCode, "認可コードがありません", nil)
		s.fail(p.Provider, StateProviderCallbackReceived, le)
		return nil, le
	}

	identity, err := provider.Exchange(ctx, p.Code, attempt.Verifier)
	if err != nil {
		le := loginFailure(CodeProviderExchangeFailed, "プロバイダーとの認証に失敗しました", err)
		s.fail(p.Provider, StateProviderCallbackReceived, le)
		return nil, le
	}

	user, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		var le *LoginError
		if errors.Is(err, ErrAccountExists) {
			le = loginFailure(CodeAccountExists, "このメールアドレスは別のログイン方法で登録済みです", err)
		} else {
			le = loginFailure(CodeServerError, "アカウントの処理に失敗しました", err)
		}
		s.fail(p.Provider, StateProviderCallbackReceived, le)
		return nil, le
	}

	result, err := s.establish(ctx, p.Provider, user, attempt.Redirect)
	if err != nil {
		le := AsLoginError(err)
		s.fail(p.Provider, StateSessionEstablished, le)
		return nil, le
	}

	s.config.Metrics.RecordLogin(p.Provider, "success")
	return result, nil
}

// MarkRedirected はフロントエンドへのリダイレクト完了を記録する（TokenIssued → UserRedirectedToFrontend）。
func (s *Service) MarkRedirected(provider string) {
	s.transition(provider, StateUserRedirectedToFrontend)
}

// establish はセッションを作成しブリッジトークンを発行する。パスワードログインと共通。
func (s *Service) establish(ctx context.Context, provider string, user *model.User, redirect string) (*LoginResult, error) {
	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, loginFailure(CodeServerError, "セッションを作成できませんでした", err)
	}
	s.transition(provider, StateSessionEstablished, slog.String("user_id", user.ID))

	token, _, err := s.tokens.Issue(ctx, session.ID)
	if err != nil {
		// トークンを渡せないセッションは到達不能なので失効させておく
		if rerr := s.sessionRepo.Revoke(ctx, session.ID, s.config.Now()); rerr != nil {
			slog.Error("failed to revoke orphan session", slog.String("error", rerr.Error()))
		}
		return nil, loginFailure(CodeServerError, "ログイントークンを発行できませんでした", err)
	}
	s.transition(provider, StateTokenIssued, slog.String("user_id", user.ID))

	return &LoginResult{
		User:     user,
		Session:  session,
		Token:    token,
		Redirect: security.SafeRedirectPath(redirect, s.config.DefaultRedirect),
	}, nil
}

// Redemption はブリッジトークン引き換えの結果。
type Redemption struct {
	User            *model.User
	Session         *model.Session
	AccessToken     string
	AccessExpiresAt time.Time
}

// Redeem はブリッジトークンを1回限りで消費し、セッション情報とアクセストークンを返す。
// トークン起因の失敗はmodel.ErrTokenNotFound / ErrTokenExpired / ErrTokenAlreadyConsumed をそのまま返す。
func (s *Service) Redeem(ctx context.Context, token string) (*Redemption, error) {
	sessionID, err := s.tokens.VerifyAndConsume(ctx, token)
	if err != nil {
		return nil, err
	}

	session, user, err := s.CurrentSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	accessToken, expiresAt, err := s.access.Issue(claims.Subject{
		UserID:           user.ID,
		SessionID:        session.ID,
		Email:            user.Email,
		Name:             user.Name,
		SessionExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	return &Redemption{
		User:            user,
		Session:         session,
		AccessToken:     accessToken,
		AccessExpiresAt: expiresAt,
	}, nil
}

// SignOut はセッションを失効させる。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.Revoke(ctx, sessionID, s.config.Now()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	slog.Info("user signed out", slog.String("session_id_prefix", prefix(sessionID)))
	return nil
}

// CurrentSession はセッションIDから有効なセッションとユーザーを取得する。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, *model.User, error) {
	if sessionID == "" {
		return nil, nil, ErrSessionNotFound
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if !session.IsActive(s.config.Now()) {
		return nil, nil, ErrSessionNotFound
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, ErrSessionNotFound
	}

	return session, user, nil
}

// SessionFromAccessToken はアクセストークンを検証し、対応する有効なセッションを返す。
func (s *Service) SessionFromAccessToken(ctx context.Context, accessToken string) (*model.Session, *model.User, error) {
	c, err := s.access.Parse(accessToken)
	if err != nil {
		return nil, nil, ErrSessionNotFound
	}
	return s.CurrentSession(ctx, c.SessionID)
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.config.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(s.config.SessionMaxAge),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

func (s *Service) transition(provider string, state LoginState, attrs ...any) {
	args := append([]any{
		slog.String("login_state", string(state)),
		slog.String("provider", provider),
	}, attrs...)
	slog.Info("login state changed", args...)
}

func (s *Service) fail(provider string, from LoginState, le *LoginError) {
	attrs := []any{
		slog.String("login_state", string(StateFailed)),
		slog.String("from_state", string(from)),
		slog.String("provider", provider),
		slog.String("code", le.Code),
	}
	if le.Err != nil {
		attrs = append(attrs, slog.String("error", le.Err.Error()))
	}
	slog.Warn("login failed", attrs...)

	// ラベルの値はURL由来になりうるため既知の値に丸める
	if _, ok := s.providers.Get(provider); !ok {
		provider = "unknown"
	}
	result := le.Code
	switch result {
	case CodeUnknownProvider, CodeInvalidState, CodeMissingCode, CodeProviderExchangeFailed, CodeAccountExists, CodeServerError:
	default:
		result = "provider_error"
	}
	s.config.Metrics.RecordLogin(provider, result)
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func prefix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type noopLoginMetrics struct{}

func (noopLoginMetrics) RecordLogin(_, _ string) {}
