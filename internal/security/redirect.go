package security

import (
	"net/url"
	"strings"
)

// DefaultRedirectPath は遷移先が未指定または不正な場合の既定パス。
const DefaultRedirectPath = "/docs/intro"

// maxRedirectLength は遷移先パスとして受け付ける最大長。
const maxRedirectLength = 2048

// SafeRedirectPath はログイン後の遷移先を同一オリジン内の相対パスに正規化する。
// 絶対URL、プロトコル相対URL（//host）、バックスラッシュや制御文字を含む値は
// fallbackに置き換える。fallbackが空の場合はDefaultRedirectPathを使う。
func SafeRedirectPath(raw, fallback string) string {
	if fallback == "" {
		fallback = DefaultRedirectPath
	}
	if IsSafeRedirectPath(raw) {
		return raw
	}
	return fallback
}

// IsSafeRedirectPath は値が同一オリジン内の相対パスとして安全かを判定する。
func IsSafeRedirectPath(raw string) bool {
	if raw == "" || len(raw) > maxRedirectLength {
		return false
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return false
	}
	if strings.ContainsAny(raw, "\\") {
		return false
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return false
	}
	// パーセントエンコードされた "//" や "\" で外部に抜ける形も拒否する
	if strings.HasPrefix(u.Path, "//") || strings.Contains(u.Path, "\\") {
		return false
	}
	return true
}
