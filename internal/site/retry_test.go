package site

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ExchangeOutcome
	}{
		{200, OutcomeOK},
		{400, OutcomeRejected},
		{401, OutcomeRejected},
		{404, OutcomeRejected},
		{410, OutcomeRejected},
		{429, OutcomeThrottled},
		{500, OutcomeRetry},
		{502, OutcomeRetry},
		{503, OutcomeRetry},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	if got := retryDelay(DefaultRetryDelays, 1); got != 250*time.Millisecond {
		t.Errorf("attempt 1 = %v, want 250ms", got)
	}
	if got := retryDelay(DefaultRetryDelays, 3); got != time.Second {
		t.Errorf("attempt 3 = %v, want 1s", got)
	}
	if got := retryDelay(DefaultRetryDelays, 10); got != time.Second {
		t.Errorf("attempt 10 = %v, want 1s", got)
	}
	if got := retryDelay(nil, 1); got != 0 {
		t.Errorf("no delays = %v, want 0", got)
	}
	if len(DefaultRetryDelays) != MaxExchangeAttempts-1 {
		t.Errorf("len(DefaultRetryDelays) = %d, want %d", len(DefaultRetryDelays), MaxExchangeAttempts-1)
	}
}

func TestWait_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := wait(ctx, time.Hour); err != context.Canceled {
		t.Errorf("wait() = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("wait should return immediately on canceled context")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{" 30 ", 30 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(5 * time.Second).Format(http.TimeFormat), 5 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestBackoff_RateLimited(t *testing.T) {
	delays := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}
	limited := fmt.Errorf("exchange: %w", &RateLimitError{RetryAfter: 2 * time.Second})

	if got := backoff(delays, 1, networkFailure(), time.Second); got != 250*time.Millisecond {
		t.Errorf("network failure = %v, want 250ms", got)
	}
	if got := backoff(delays, 1, limited, 5*time.Second); got != 2*time.Second {
		t.Errorf("rate limited = %v, want Retry-After 2s", got)
	}
	if got := backoff(delays, 1, limited, time.Second); got != time.Second {
		t.Errorf("rate limited capped = %v, want 1s", got)
	}
	short := &RateLimitError{RetryAfter: 100 * time.Millisecond}
	if got := backoff(delays, 2, short, time.Second); got != 500*time.Millisecond {
		t.Errorf("short Retry-After = %v, want 500ms", got)
	}
	if !errors.Is(limited, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
}
