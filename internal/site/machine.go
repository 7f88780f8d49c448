package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authbridge/internal/bridge"
	"github.com/hitoshi/authbridge/internal/model"
	"github.com/hitoshi/authbridge/internal/security"
)

// MachineMetrics はコールバック処理の計測インターフェース。
type MachineMetrics interface {
	RecordExchangeAttempt(outcome string)
	RecordCallback(result string)
}

// MachineConfig はCallbackMachineの設定。
type MachineConfig struct {
	// RetryDelays は再試行前の待機時間。nilの場合はDefaultRetryDelaysを使う。
	RetryDelays []time.Duration
	// MaxRetryAfter はレート制限時にRetry-Afterに従って待つ上限。0の場合はDefaultMaxRetryAfter。
	MaxRetryAfter   time.Duration
	DefaultRedirect string
	SessionMaxAge   time.Duration
	Now             func() time.Time
	Metrics         MachineMetrics
	Logger          *slog.Logger
}

// CallbackMachine は /auth-callback に到着したブラウザ1回分の処理を
// Arrived → Exchanging → {Established | Failed} の順に進める。
type CallbackMachine struct {
	exchanger Exchanger
	store     *LocalSessionStore
	config    MachineConfig
}

// NewCallbackMachine はCallbackMachineを生成する。
func NewCallbackMachine(exchanger Exchanger, store *LocalSessionStore, config MachineConfig) *CallbackMachine {
	if config.RetryDelays == nil {
		config.RetryDelays = DefaultRetryDelays
	}
	if config.MaxRetryAfter <= 0 {
		config.MaxRetryAfter = DefaultMaxRetryAfter
	}
	if config.DefaultRedirect == "" {
		config.DefaultRedirect = security.DefaultRedirectPath
	}
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 24 * time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Metrics == nil {
		config.Metrics = noopMachineMetrics{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &CallbackMachine{
		exchanger: exchanger,
		store:     store,
		config:    config,
	}
}

// CallbackParams はコールバックURLとリクエストから得た入力。
type CallbackParams struct {
	Token            string
	Redirect         string
	Error            string
	ErrorDescription string
	// Existing はこのブラウザが既に持っているローカルセッション。なければnil。
	Existing *LocalSession
}

// Result はRunの結果。StateはEstablishedかFailedのいずれか。
type Result struct {
	State    CallbackState
	Session  *LocalSession
	Redirect string
	Failure  *Failure
	Attempts int
}

// Run はコールバックを処理する。
// ctxが途中で終了した場合（ブラウザが離脱した等）は何も保存せずctx.Err()を返す。
func (m *CallbackMachine) Run(ctx context.Context, p CallbackParams) (*Result, error) {
	m.transition(StateArrived)

	redirect := security.SafeRedirectPath(p.Redirect, m.config.DefaultRedirect)

	if p.Error != "" {
		return m.fail(&Failure{
			Code:         CodeProviderError,
			ProviderCode: p.Error,
			Description:  p.ErrorDescription,
		}, 0), nil
	}
	if p.Token == "" {
		return m.fail(&Failure{
			Code:        CodeMissingToken,
			Description: "ログイントークンがありません",
		}, 0), nil
	}

	m.transition(StateExchanging)
	tokenHash := bridge.HashToken(p.Token)

	grant, attempts, err := m.exchange(ctx, p.Token)
	if err != nil {
		if ctx.Err() != nil {
			m.config.Logger.Info("callback abandoned",
				slog.String("callback_state", string(StateExchanging)),
				slog.Int("attempts", attempts),
			)
			return nil, ctx.Err()
		}

		// 同じブラウザが既に引き換え済みのトークン（二重クリック等）は成功として扱う
		if errors.Is(err, model.ErrTokenAlreadyConsumed) && p.Existing.IsActive(m.config.Now()) && p.Existing.TokenHash == tokenHash {
			m.transition(StateEstablished, slog.String("reason", "already_redeemed"))
			m.config.Metrics.RecordCallback(string(StateEstablished))
			return &Result{
				State:    StateEstablished,
				Session:  p.Existing,
				Redirect: redirect,
				Attempts: attempts,
			}, nil
		}

		return m.fail(classifyExchangeError(err), attempts), nil
	}

	session, err := m.establish(grant, tokenHash)
	if err != nil {
		return m.fail(&Failure{Code: CodeServerError, Description: "セッションを作成できませんでした", Err: err}, attempts), nil
	}

	m.transition(StateEstablished, slog.String("user_id", session.User.ID))
	m.config.Metrics.RecordCallback(string(StateEstablished))
	return &Result{
		State:    StateEstablished,
		Session:  session,
		Redirect: redirect,
		Attempts: attempts,
	}, nil
}

// exchange はNetworkFailureかレート制限の場合に限り最大MaxExchangeAttempts回まで引き換えを試みる。
// どちらもトークンは消費されていないので、同じトークンで再試行できる。
func (m *CallbackMachine) exchange(ctx context.Context, token string) (*Grant, int, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxExchangeAttempts; attempt++ {
		grant, err := m.exchanger.Exchange(ctx, token)
		if err == nil {
			m.config.Metrics.RecordExchangeAttempt("success")
			return grant, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		switch {
		case errors.Is(err, ErrRateLimited):
			m.config.Metrics.RecordExchangeAttempt("rate_limited")
		case errors.Is(err, ErrNetworkFailure):
			m.config.Metrics.RecordExchangeAttempt("network_failure")
		default:
			m.config.Metrics.RecordExchangeAttempt("rejected")
			return nil, attempt, err
		}

		lastErr = err
		m.config.Logger.Warn("token exchange failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt == MaxExchangeAttempts {
			break
		}
		if err := wait(ctx, backoff(m.config.RetryDelays, attempt, lastErr, m.config.MaxRetryAfter)); err != nil {
			return nil, attempt, err
		}
	}
	return nil, MaxExchangeAttempts, fmt.Errorf("gave up after %d attempts: %w", MaxExchangeAttempts, lastErr)
}

// establish は引き換え結果からローカルセッションを作成して保存する。
func (m *CallbackMachine) establish(grant *Grant, tokenHash string) (*LocalSession, error) {
	id, err := security.RandomString(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate local session ID: %w", err)
	}

	now := m.config.Now()
	expiresAt := now.Add(m.config.SessionMaxAge)
	if !grant.SessionExpiresAt.IsZero() && grant.SessionExpiresAt.Before(expiresAt) {
		expiresAt = grant.SessionExpiresAt
	}

	session := &LocalSession{
		ID:               id,
		AuthSessionID:    grant.SessionID,
		User:             grant.User,
		AccessToken:      grant.AccessToken,
		AccessExpiresAt:  now.Add(time.Duration(grant.ExpiresIn) * time.Second),
		SessionExpiresAt: expiresAt,
		TokenHash:        tokenHash,
		CreatedAt:        now,
	}
	m.store.Put(session)
	return session, nil
}

func classifyExchangeError(err error) *Failure {
	switch {
	case errors.Is(err, model.ErrTokenNotFound):
		return &Failure{Code: CodeTokenNotFound, Description: "ログイントークンが見つかりません", Err: err}
	case errors.Is(err, model.ErrTokenExpired):
		return &Failure{Code: CodeTokenExpired, Description: "ログイントークンの有効期限が切れました", Err: err}
	case errors.Is(err, model.ErrTokenAlreadyConsumed):
		return &Failure{Code: CodeTokenAlreadyConsumed, Description: "ログイントークンは既に使用されています", Err: err}
	case errors.Is(err, ErrRateLimited):
		return &Failure{Code: CodeRateLimited, Description: "アクセスが集中しています。しばらく待ってから再度ログインしてください", Err: err}
	case errors.Is(err, ErrNetworkFailure):
		return &Failure{Code: CodeNetworkFailure, Description: "認証サーバーに接続できませんでした", Err: err}
	case errors.Is(err, ErrTokenRejected):
		return &Failure{Code: CodeTokenInvalid, Description: "ログイントークンが無効です", Err: err}
	default:
		return &Failure{Code: CodeServerError, Description: "ログイン処理中にエラーが発生しました", Err: err}
	}
}

func (m *CallbackMachine) fail(f *Failure, attempts int) *Result {
	attrs := []any{
		slog.String("callback_state", string(StateFailed)),
		slog.String("code", f.Code),
		slog.Int("attempts", attempts),
	}
	if f.ProviderCode != "" {
		attrs = append(attrs, slog.String("provider_code", f.ProviderCode))
	}
	if f.Err != nil {
		attrs = append(attrs, slog.String("error", f.Err.Error()))
	}
	m.config.Logger.Warn("login callback failed", attrs...)
	m.config.Metrics.RecordCallback(f.Code)

	return &Result{State: StateFailed, Failure: f, Attempts: attempts}
}

func (m *CallbackMachine) transition(state CallbackState, attrs ...any) {
	args := append([]any{slog.String("callback_state", string(state))}, attrs...)
	m.config.Logger.Info("callback state changed", args...)
}

type noopMachineMetrics struct{}

func (noopMachineMetrics) RecordExchangeAttempt(string) {}
func (noopMachineMetrics) RecordCallback(string)        {}
