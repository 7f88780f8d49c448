package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// BridgeTokenHeader はブリッジトークンを運ぶヘッダー。CORSで公開する。
	BridgeTokenHeader = "X-Bridge-Token"

	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, " + csrfHeaderName + ", " + BridgeTokenHeader
	corsMaxAge       = 10 * time.Minute
)

// OriginPolicy は資格情報付きのクロスオリジン要求を許可するオリジンの集合。
// 起動時に一度だけ構築し、以降は読み取り専用。
type OriginPolicy struct {
	origins map[string]struct{}
}

// NewOriginPolicy は "scheme://host[:port]" 形式のオリジン一覧からOriginPolicyを構築する。
// ワイルドカード、空文字列、http/https以外のスキーム、パスやクエリを含むエントリはエラーにする。
func NewOriginPolicy(origins []string) (*OriginPolicy, error) {
	p := &OriginPolicy{origins: make(map[string]struct{}, len(origins))}
	for _, raw := range origins {
		origin, err := normalizeOrigin(raw)
		if err != nil {
			return nil, err
		}
		p.origins[origin] = struct{}{}
	}
	if len(p.origins) == 0 {
		return nil, fmt.Errorf("at least one trusted origin is required")
	}
	return p, nil
}

// Allows はオリジンが信頼済みかを返す。比較は正規化後の完全一致で行う。
func (p *OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	normalized, err := normalizeOrigin(origin)
	if err != nil {
		return false
	}
	_, ok := p.origins[normalized]
	return ok
}

// Origins は信頼済みオリジンを昇順で返す。
func (p *OriginPolicy) Origins() []string {
	out := make([]string, 0, len(p.origins))
	for o := range p.origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

func normalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty origin")
	}
	if strings.Contains(raw, "*") {
		return "", fmt.Errorf("wildcard origin is not allowed: %q", raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("origin must use http or https: %q", raw)
	}
	if u.Host == "" || u.User != nil {
		return "", fmt.Errorf("invalid origin host: %q", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("origin must not contain a path: %q", raw)
	}

	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}

// OriginMetrics は信頼されていないオリジンからの要求を計測する。
type OriginMetrics interface {
	RecordUntrustedOrigin()
}

// NewTrustBoundaryMiddleware はOriginPolicyに基づいてCORSヘッダーを付与するミドルウェアを返す。
//   - 信頼済みオリジン: 要求元オリジンをそのまま返し、資格情報の送信を許可する（*は使わない）
//   - 信頼されていないオリジン: CORSヘッダーを付けずに処理を続ける（ブラウザがレスポンスを読めないだけ）
//   - プリフライト: ハンドラーを呼ばずに204で応答する
func NewTrustBoundaryMiddleware(policy *OriginPolicy, metrics OriginMetrics) func(next http.Handler) http.Handler {
	maxAge := strconv.Itoa(int(corsMaxAge.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if preflight {
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
			}

			trusted := policy.Allows(origin)
			if trusted {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Expose-Headers", BridgeTokenHeader)
			} else if origin != "" {
				slog.Warn("request from untrusted origin",
					slog.String("origin", origin),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				if metrics != nil {
					metrics.RecordUntrustedOrigin()
				}
			}

			if preflight {
				if trusted {
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Max-Age", maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
