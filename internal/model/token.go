package model

import (
	"errors"
	"time"
)

// BridgingToken は認証オリジンのセッションを公開オリジンへ受け渡すための
// 単回使用トークンの保存形式を表す。トークン値そのものは保存せず、SHA-256ハッシュのみを保持する。
type BridgingToken struct {
	TokenHash  string
	SessionID  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Consumed は消費済みかどうかを返す。
func (t *BridgingToken) Consumed() bool {
	return t.ConsumedAt != nil
}

// トークン検証の失敗理由。呼び出し側はerrors.Isで判別する。
var (
	ErrTokenNotFound        = errors.New("bridging token not found")
	ErrTokenExpired         = errors.New("bridging token expired")
	ErrTokenAlreadyConsumed = errors.New("bridging token already consumed")
)
