// Package security は認証ブリッジのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultOutboundTimeout はIDプロバイダへのリクエストの既定タイムアウト。
const DefaultOutboundTimeout = 10 * time.Second

// allowedSchemes はIDプロバイダのエンドポイントとして許可するURLスキーム。
var allowedSchemes = []string{"https"}

// blockedNetworks はIDプロバイダのエンドポイントとして許可しないネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// OutboundConfig はIDプロバイダ向けHTTPクライアントの設定。
type OutboundConfig struct {
	Timeout time.Duration
	// AllowPrivateNetworks がtrueの場合、ローカルのIDプロバイダ（開発用Keycloak等）への
	// 接続を許可し、SSRFガードを無効化する。
	AllowPrivateNetworks bool
}

// NewOutboundClient はIDプロバイダへのトークン交換・ユーザー情報取得に使うHTTPクライアントを生成する。
// safeurlによりDNS解決後のIPアドレスを検証し、プライベートIPやメタデータIPへの接続を拒否する。
func NewOutboundClient(cfg OutboundConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultOutboundTimeout
	}

	if cfg.AllowPrivateNetworks {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はIDプロバイダのURL（OIDC issuer等）を静的に検証する。
// DNS解決を伴う検証はNewOutboundClientのDialer側で行われる。
func ValidateEndpoint(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if allowPrivate {
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("disallowed scheme: %s", scheme)
		}
	} else if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if allowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
