package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidAttempt は署名付きログイン試行Cookieの検証に失敗したことを示す。
var ErrInvalidAttempt = errors.New("invalid login attempt")

// LoginAttempt はOAuthログイン1回分の状態。認証オリジンのCookieに署名付きで保持する。
type LoginAttempt struct {
	State    string    `json:"s"`
	Verifier string    `json:"v"`
	Redirect string    `json:"r"`
	Provider string    `json:"p"`
	IssuedAt time.Time `json:"t"`
}

// AttemptSigner はLoginAttemptをHMAC-SHA256で署名・検証する。
type AttemptSigner struct {
	secret []byte
	maxAge time.Duration
}

// NewAttemptSigner はAttemptSignerを生成する。
// maxAgeを超えて経過した試行は検証時に拒否する。
func NewAttemptSigner(secret []byte, maxAge time.Duration) *AttemptSigner {
	return &AttemptSigner{secret: secret, maxAge: maxAge}
}

// MaxAge は試行の有効期間を返す。
func (s *AttemptSigner) MaxAge() time.Duration {
	return s.maxAge
}

// Encode は試行をCookie値（payload.signature）に変換する。
func (s *AttemptSigner) Encode(a LoginAttempt) (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode login attempt: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body), nil
}

// Decode はCookie値の署名と期限を検証して試行を返す。
func (s *AttemptSigner) Decode(value string, now time.Time) (*LoginAttempt, error) {
	body, sig, ok := strings.Cut(value, ".")
	if !ok || body == "" || sig == "" {
		return nil, ErrInvalidAttempt
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(body))) {
		return nil, ErrInvalidAttempt
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidAttempt
	}
	var a LoginAttempt
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, ErrInvalidAttempt
	}
	if s.maxAge > 0 && now.Sub(a.IssuedAt) > s.maxAge {
		return nil, fmt.Errorf("%w: expired", ErrInvalidAttempt)
	}
	return &a, nil
}

func (s *AttemptSigner) sign(body string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// RandomString は暗号論的乱数からnバイトのURLセーフ文字列を生成する。
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ConstantTimeEqual は2つの文字列を定数時間で比較する。
func ConstantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
