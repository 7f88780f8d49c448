// Package claims は公開オリジンへ返すアクセストークン（EdDSAのJWT）を発行・検証する。
// 検証用の公開鍵はJWKSとして公開する。
package claims

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength は署名鍵を導出する秘密値の最小バイト数。
const MinSecretLength = 32

const keyDerivationInfo = "authbridge access token ed25519 signing key"

// AccessClaims はアクセストークンに含めるクレーム。
// subjectはユーザーID、sidは認証オリジン側のセッションID。
type AccessClaims struct {
	SessionID string `json:"sid"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Config はIssuerの設定。
// SigningKey を指定した場合はそれを使い、未指定なら Secret から鍵を導出する。
type Config struct {
	SigningKey ed25519.PrivateKey
	Secret     []byte
	Issuer     string
	Audience   string
	TTL        time.Duration
	// Now は現在時刻を返す。nilの場合はtime.Nowを使う。
	Now func() time.Time
}

// Issuer はアクセストークンを署名・検証する。
type Issuer struct {
	key      ed25519.PrivateKey
	keyID    string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// KeyFromSecret は秘密値からEd25519の署名鍵をHKDFで決定的に導出する。
func KeyFromSecret(secret []byte) (ed25519.PrivateKey, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("access token secret must be at least %d bytes", MinSecretLength)
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyDerivationInfo)), seed); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// KeyFromPEM はPKCS#8形式のPEMからEd25519の秘密鍵を読み込む。
func KeyFromPEM(data []byte) (ed25519.PrivateKey, error) {
	key, err := jwt.ParseEdPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not an ed25519 private key")
	}
	return priv, nil
}

// NewIssuer はIssuerを生成する。鍵が用意できない場合はエラーを返す。
func NewIssuer(cfg Config) (*Issuer, error) {
	key := cfg.SigningKey
	if key == nil {
		derived, err := KeyFromSecret(cfg.Secret)
		if err != nil {
			return nil, err
		}
		key = derived
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 signing key")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	jwk := jose.JSONWebKey{Key: key.Public()}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key id: %w", err)
	}

	return &Issuer{
		key:      key,
		keyID:    base64.RawURLEncoding.EncodeToString(thumb),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      cfg.Now,
	}, nil
}

// TTL はアクセストークンの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// KeyID はJWTヘッダーのkidに入れる鍵IDを返す（RFC 7638のサムプリント）。
func (i *Issuer) KeyID() string {
	return i.keyID
}

// PublicKeySet は検証用の公開鍵をJWKSとして返す。
func (i *Issuer) PublicKeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       i.key.Public(),
			KeyID:     i.keyID,
			Algorithm: jwt.SigningMethodEdDSA.Alg(),
			Use:       "sig",
		}},
	}
}

// Subject はトークンの発行対象を表す。
type Subject struct {
	UserID    string
	SessionID string
	Email     string
	Name      string
	// SessionExpiresAt はセッションの期限。トークンの期限はこれを超えない。
	SessionExpiresAt time.Time
}

// Issue は署名済みアクセストークンとその期限を返す。
func (i *Issuer) Issue(sub Subject) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	if !sub.SessionExpiresAt.IsZero() && sub.SessionExpiresAt.Before(expiresAt) {
		expiresAt = sub.SessionExpiresAt
	}

	c := AccessClaims{
		SessionID: sub.SessionID,
		Email:     sub.Email,
		Name:      sub.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   sub.UserID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	token.Header["kid"] = i.keyID
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ErrInvalidToken はアクセストークンが検証に失敗したことを示す。
var ErrInvalidToken = errors.New("invalid access token")

// Parse はアクセストークンを検証してクレームを返す。
// 署名方式はEdDSAのみ受け付け、issuerとaudienceも検証する。
func (i *Issuer) Parse(token string) (*AccessClaims, error) {
	var c AccessClaims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if kid, ok := t.Header["kid"].(string); ok && kid != i.keyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return i.key.Public(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" || c.SessionID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", ErrInvalidToken)
	}
	return &c, nil
}
