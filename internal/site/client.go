package site

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

var (
	// ErrNetworkFailure は認証オリジンに到達できないか5xxが返ったことを示す。再試行の対象。
	ErrNetworkFailure = errors.New("auth origin unreachable")
	// ErrTokenRejected は上記以外の理由でトークンが受け付けられなかったことを示す。
	ErrTokenRejected = errors.New("bridging token rejected")
)

// User は認証オリジンが返すユーザー情報。
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Grant はトークン引き換えの成功レスポンス。
type Grant struct {
	SessionID        string    `json:"session_id"`
	User             User      `json:"user"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
}

type clientIPKey struct{}

// WithClientIP は利用者のIPアドレスをctxに格納する。
// Exchangeはこの値をX-Forwarded-Forとして認証オリジンに伝え、レート制限を利用者ごとに分ける。
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext はWithClientIPで格納したIPを返す。
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// Exchanger はブリッジトークンを認証オリジンで引き換える。
type Exchanger interface {
	Exchange(ctx context.Context, token string) (*Grant, error)
}

// AuthClient は認証オリジンのAPIクライアント。
// プロセス全体で共有するキャッシュは持たず、呼び出し側が生成して注入する。
type AuthClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewAuthClient はAuthClientを生成する。baseURLは認証オリジンの外部URL。
func NewAuthClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *AuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// LoginURL はプロバイダー別のログイン開始URLを返す。
func (c *AuthClient) LoginURL(provider, redirect string) string {
	u := c.baseURL + "/oauth/" + url.PathEscape(provider)
	if redirect != "" {
		u += "?" + url.Values{"redirect": {redirect}}.Encode()
	}
	return u
}

// Exchange は POST /token/verify を1回だけ呼び出す。再試行は呼び出し側が行う。
// トークン起因の失敗はmodel.ErrTokenNotFound / ErrTokenExpired / ErrTokenAlreadyConsumed、
// 到達不能または5xxはErrNetworkFailure、429は*RateLimitErrorを返す。
func (c *AuthClient) Exchange(ctx context.Context, token string) (*Grant, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ip := ClientIPFromContext(ctx); ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	switch ClassifyStatus(resp.StatusCode) {
	case OutcomeOK:
		var grant Grant
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&grant); err != nil {
			return nil, fmt.Errorf("%w: invalid response body: %v", ErrNetworkFailure, err)
		}
		return &grant, nil
	case OutcomeRetry:
		c.logger.Warn("auth origin returned server error",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", ErrNetworkFailure, resp.StatusCode)
	case OutcomeThrottled:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		c.logger.Warn("auth origin rate limited token exchange",
			slog.Duration("retry_after", retryAfter),
		)
		return nil, &RateLimitError{RetryAfter: retryAfter}
	default:
		return nil, rejection(resp)
	}
}

// rejection は4xx応答のエラーコードをトークンエラーに変換する。
func rejection(resp *http.Response) error {
	var apiErr struct {
		Code string `json:"code"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 16<<10)).Decode(&apiErr)

	switch apiErr.Code {
	case model.ErrCodeTokenNotFound:
		return model.ErrTokenNotFound
	case model.ErrCodeTokenExpired:
		return model.ErrTokenExpired
	case model.ErrCodeTokenAlreadyConsumed:
		return model.ErrTokenAlreadyConsumed
	}

	// コードが読めない場合はステータスで判断する
	switch resp.StatusCode {
	case http.StatusNotFound:
		return model.ErrTokenNotFound
	case http.StatusGone:
		return model.ErrTokenExpired
	}
	return fmt.Errorf("%w: status %d code %q", ErrTokenRejected, resp.StatusCode, apiErr.Code)
}

// Revoke はアクセストークンに紐付くセッションを認証オリジン側で失効させる。
// セッションが既に無効（401）の場合は成功として扱う。
func (c *AuthClient) Revoke(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/sign-out", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusUnauthorized:
		return nil
	default:
		return fmt.Errorf("failed to revoke session: status %d", resp.StatusCode)
	}
}

var _ Exchanger = (*AuthClient)(nil)
