package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authbridge/internal/model"
	"github.com/hitoshi/authbridge/internal/repository"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 8
	// maxPasswordBytes はbcryptが扱える最大バイト数。
	maxPasswordBytes = 72
	// passwordProvider はパスワードログインをログ・メトリクス上で識別する名前。
	passwordProvider = "password"
)

var (
	// ErrInvalidCredentials はメールアドレスまたはパスワードが正しくないことを示す。
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrWeakPassword はパスワードが要件を満たさないことを示す。
	ErrWeakPassword = errors.New("password does not meet requirements")
	// ErrInvalidEmail はメールアドレスの形式が不正であることを示す。
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrEmailExists はメールアドレスが登録済みであることを示す。
	ErrEmailExists = errors.New("email already registered")
)

// PasswordService はメールアドレス+パスワードによる登録とログインを提供する。
// 成功時はOAuthログインと同じくセッションを作成し、ブリッジトークンを発行する。
type PasswordService struct {
	login       *Service
	userRepo    repository.UserRepository
	credentials repository.CredentialRepository
	cost        int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordService はPasswordServiceを生成する。costが0の場合はbcrypt.DefaultCost。
func NewPasswordService(login *Service, userRepo repository.UserRepository, credentials repository.CredentialRepository, cost int) *PasswordService {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &PasswordService{
		login:       login,
		userRepo:    userRepo,
		credentials: credentials,
		cost:        cost,
	}
}

// SignUp はアカウントとパスワード資格情報を作成し、ログイン状態にする。
func (s *PasswordService) SignUp(ctx context.Context, email, password, name, redirect string) (*LoginResult, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.login.config.Now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.SplitN(addr, "@", 2)[0]
	}
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     addr,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	credential := &model.Credential{
		UserID:       user.ID,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.CreateWithCredential(ctx, user, credential); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	slog.Info("new user created", slog.String("user_id", user.ID), slog.String("provider", passwordProvider))

	return s.complete(ctx, user, redirect)
}

// SignIn はメールアドレスとパスワードを検証し、ログイン状態にする。
// ユーザーが存在しない場合もダミーハッシュと比較し、応答時間から存在を推測されにくくする。
func (s *PasswordService) SignIn(ctx context.Context, email, password, redirect string) (*LoginResult, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.userRepo.FindByEmail(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	var credential *model.Credential
	if user != nil {
		credential, err = s.credentials.FindByUserID(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to find credential: %w", err)
		}
	}

	if credential == nil {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		s.login.config.Metrics.RecordLogin(passwordProvider, "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(credential.PasswordHash), []byte(password)); err != nil {
		s.login.config.Metrics.RecordLogin(passwordProvider, "invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	return s.complete(ctx, user, redirect)
}

func (s *PasswordService) complete(ctx context.Context, user *model.User, redirect string) (*LoginResult, error) {
	result, err := s.login.establish(ctx, passwordProvider, user, redirect)
	if err != nil {
		s.login.config.Metrics.RecordLogin(passwordProvider, CodeServerError)
		return nil, err
	}
	s.login.config.Metrics.RecordLogin(passwordProvider, "success")
	return result, nil
}

func (s *PasswordService) dummy() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte(fmt.Sprintf("dummy-%d", time.Now().UnixNano())), s.cost)
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return addr.Address, nil
}

func validatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength || len(password) > maxPasswordBytes {
		return ErrWeakPassword
	}
	return nil
}
