package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authbridge/internal/model"
	"github.com/hitoshi/authbridge/internal/repository"
)

// ErrAccountExists は同じメールアドレスのアカウントが既に存在し、
// リンクポリシーにより新しいidentityを紐付けられないことを示す。
var ErrAccountExists = errors.New("account with this email already exists")

// LinkPolicy は未知のidentityと既存アカウントのメールアドレスが一致した場合の扱い。
type LinkPolicy string

const (
	// LinkPolicyNever は自動リンクを行わない。
	LinkPolicyNever LinkPolicy = "never"
	// LinkPolicyVerifiedEmail はプロバイダーがメール検証済みと主張する場合のみリンクする。
	LinkPolicyVerifiedEmail LinkPolicy = "verified_email"
)

// ParseLinkPolicy は設定値をLinkPolicyに変換する。空文字列はneverとして扱う。
func ParseLinkPolicy(s string) (LinkPolicy, error) {
	switch LinkPolicy(s) {
	case "", LinkPolicyNever:
		return LinkPolicyNever, nil
	case LinkPolicyVerifiedEmail:
		return LinkPolicyVerifiedEmail, nil
	default:
		return "", fmt.Errorf("unknown account link policy: %q", s)
	}
}

// AccountResolver は外部IdPのidentityをアカウントに対応付ける。
type AccountResolver struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	policy     LinkPolicy
	now        func() time.Time
}

// NewAccountResolver はAccountResolverを生成する。
func NewAccountResolver(users repository.UserRepository, identities repository.IdentityRepository, policy LinkPolicy) *AccountResolver {
	if policy == "" {
		policy = LinkPolicyNever
	}
	return &AccountResolver{
		users:      users,
		identities: identities,
		policy:     policy,
		now:        time.Now,
	}
}

// Resolve はidentityに対応するユーザーを返す。
//  1. 既知の (provider, subject) ならそのユーザー
//  2. 未知かつ同じメールのアカウントがなければユーザーとidentityを作成
//  3. 未知かつ同じメールのアカウントがあればリンクポリシーに従う
func (r *AccountResolver) Resolve(ctx context.Context, id *Identity) (*model.User, error) {
	identity, err := r.identities.FindByProviderAndProviderUserID(ctx, id.Provider, id.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		user, err := r.users.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("user %s for identity not found", identity.UserID)
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", id.Provider),
		)
		return user, nil
	}

	existing, err := r.users.FindByEmail(ctx, id.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return r.link(ctx, existing, id)
	}

	return r.create(ctx, id)
}

func (r *AccountResolver) create(ctx context.Context, id *Identity) (*model.User, error) {
	now := r.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     id.Email,
		Name:      id.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       id.Provider,
		ProviderUserID: id.Subject,
		LinkReason:     model.LinkReasonCreated,
		CreatedAt:      now,
	}

	if err := r.users.CreateWithIdentity(ctx, user, identity); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			// 同時登録で先を越された場合
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", id.Provider),
	)
	return user, nil
}

func (r *AccountResolver) link(ctx context.Context, user *model.User, id *Identity) (*model.User, error) {
	if r.policy != LinkPolicyVerifiedEmail || !id.EmailVerified {
		slog.Info("identity not linked to existing account",
			slog.String("provider", id.Provider),
			slog.String("policy", string(r.policy)),
			slog.Bool("email_verified", id.EmailVerified),
		)
		return nil, ErrAccountExists
	}

	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       id.Provider,
		ProviderUserID: id.Subject,
		LinkReason:     model.LinkReasonVerifiedEmail,
		CreatedAt:      r.now(),
	}
	if err := r.identities.Create(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to link identity: %w", err)
	}

	slog.Warn("identity linked to existing account by verified email",
		slog.String("user_id", user.ID),
		slog.String("identity_id", identity.ID),
		slog.String("provider", id.Provider),
		slog.String("link_reason", string(identity.LinkReason)),
	)
	return user, nil
}
