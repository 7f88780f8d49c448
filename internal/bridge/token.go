// Package bridge は認証オリジンのセッションを公開オリジンへ受け渡す
// 単回使用のブリッジトークンを発行・検証する。
package bridge

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// tokenBytes はトークンのエントロピー（バイト数）。256ビット。
const tokenBytes = 32

// ErrMalformedToken はトークン文字列の形式が不正であることを示す。
var ErrMalformedToken = errors.New("malformed bridging token")

// generateToken は暗号論的乱数からURLセーフなトークン文字列を生成する。
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validateToken はトークン文字列が発行形式（base64url、32バイト）であるかを検証する。
func validateToken(token string) error {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(b) != tokenBytes {
		return ErrMalformedToken
	}
	return nil
}

// HashToken はトークン文字列の保存用ハッシュ（SHA-256の16進表現）を返す。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// hashPrefix はログ出力用にハッシュの先頭だけを返す。
func hashPrefix(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
