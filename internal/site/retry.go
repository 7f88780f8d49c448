package site

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxExchangeAttempts はトークン交換の最大試行回数（初回を含む）。
const MaxExchangeAttempts = 4

// DefaultMaxRetryAfter はRetry-Afterに従って待つ時間の上限。
const DefaultMaxRetryAfter = 2 * time.Second

// DefaultRetryDelays は再試行前の待機時間。i回目の失敗の後にDefaultRetryDelays[i]だけ待つ。
var DefaultRetryDelays = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
}

// ExchangeOutcome はHTTPステータスに基づく交換結果の分類。
type ExchangeOutcome int

const (
	// OutcomeOK は交換成功（200）。
	OutcomeOK ExchangeOutcome = iota
	// OutcomeRejected はトークン起因で再試行しても結果が変わらない応答（4xx）。
	OutcomeRejected
	// OutcomeRetry は再試行対象の応答（5xx）。
	OutcomeRetry
	// OutcomeThrottled はレート制限（429）。トークンは消費されていないので待って再試行する。
	OutcomeThrottled
)

// ClassifyStatus はトークン検証エンドポイントのHTTPステータスを分類する。
func ClassifyStatus(statusCode int) ExchangeOutcome {
	switch {
	case statusCode == 200:
		return OutcomeOK
	case statusCode == http.StatusTooManyRequests:
		return OutcomeThrottled
	case statusCode >= 500:
		return OutcomeRetry
	default:
		return OutcomeRejected
	}
}

// ErrRateLimited は認証オリジンがレート制限を返したことを示す。再試行の対象。
var ErrRateLimited = errors.New("auth origin rate limited")

// RateLimitError は429応答の内容を保持する。errors.Is(err, ErrRateLimited) が真になる。
type RateLimitError struct {
	// RetryAfter はRetry-Afterヘッダーの値。指定がなければ0。
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %v", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// parseRetryAfter はRetry-Afterヘッダー（秒数またはHTTP日付）を解釈する。
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// backoff はattempt回目の失敗後の待機時間を返す。
// レート制限の場合はRetry-Afterと既定の待機時間の長い方を、maxRetryAfterを上限に使う。
func backoff(delays []time.Duration, attempt int, err error, maxRetryAfter time.Duration) time.Duration {
	d := retryDelay(delays, attempt)
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
		if maxRetryAfter > 0 && d > maxRetryAfter {
			d = maxRetryAfter
		}
	}
	return d
}

// retryDelay はattempt回目（1始まり）の失敗後の待機時間を返す。
// 指定が足りない場合は最後の値を使う。
func retryDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt-1 < len(delays) {
		return delays[attempt-1]
	}
	return delays[len(delays)-1]
}

// wait はdだけ待つ。待機中にctxが終了した場合はctx.Err()を返す。
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
