// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// CreateWithCredential はユーザーとパスワード資格情報を同一トランザクションで作成する。
	// メールアドレスが登録済みの場合はErrEmailTakenを返す。
	CreateWithCredential(ctx context.Context, user *model.User, credential *model.Credential) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーにidentityを追加する。
	Create(ctx context.Context, identity *model.Identity) error
}

// CredentialRepository はパスワード資格情報の永続化インターフェース。
type CredentialRepository interface {
	// FindByUserID は指定ユーザーの資格情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Credential, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れまたは失効済みの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Revoke は指定IDのセッションを失効させる。存在しない場合もエラーにしない。
	Revoke(ctx context.Context, id string, at time.Time) error
}

// TokenRepository はブリッジトークンの永続化インターフェース。
// 消費は必ず単一の原子的な条件付き更新で行い、同一トークンの消費が2回成功することはない。
type TokenRepository interface {
	// Save はトークンを保存する。
	Save(ctx context.Context, token *model.BridgingToken) error

	// Consume はトークンハッシュに対応する未消費かつ期限内のトークンを消費済みにし、
	// セッションIDを返す。失敗時はmodel.ErrTokenNotFound、model.ErrTokenExpired、
	// model.ErrTokenAlreadyConsumedのいずれかを返す（判定順もこの順）。
	Consume(ctx context.Context, tokenHash string, now time.Time) (string, error)

	// DeleteExpired はbefore以前に期限切れとなったトークンを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
