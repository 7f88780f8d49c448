// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証オリジンが管理するアカウントを表す。
// 本サービスからは削除しない。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LinkReason はidentityがアカウントに紐付いた理由を表す。
type LinkReason string

const (
	// LinkReasonCreated は新規アカウント作成と同時に紐付いたことを示す。
	LinkReasonCreated LinkReason = "created"
	// LinkReasonVerifiedEmail はプロバイダーが検証済みと主張したメールアドレスで既存アカウントに紐付いたことを示す。
	LinkReasonVerifiedEmail LinkReason = "verified_email"
)

// Identity は外部IdPとの紐付け情報を表す。
// 1ユーザーに複数のプロバイダー（google, github等）を紐付けられる。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	LinkReason     LinkReason
	CreatedAt      time.Time
}

// Credential はメールアドレス+パスワード認証用の資格情報を表す。
type Credential struct {
	UserID       string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
// RevokedAtがnilかつ現在時刻がExpiresAtより前の場合のみ有効。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}

// IsActive は指定時刻においてセッションが有効かを返す。
func (s *Session) IsActive(now time.Time) bool {
	if s == nil || s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}
