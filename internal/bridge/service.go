package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
	"github.com/hitoshi/authbridge/internal/repository"
)

// DefaultLifetime はトークンの既定の有効期間。
const DefaultLifetime = 5 * time.Minute

// 検証結果のラベル。メトリクスとログで使用する。
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultExpired  = "expired"
	ResultConsumed = "consumed"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

// MetricsRecorder はトークン発行・検証の計測インターフェース。
type MetricsRecorder interface {
	RecordTokenIssued()
	RecordTokenVerify(result string)
}

// Config はServiceの設定。
type Config struct {
	Lifetime time.Duration
	// Now は現在時刻を返す。nilの場合はtime.Nowを使う。
	Now     func() time.Time
	Metrics MetricsRecorder
	Logger  *slog.Logger
}

// Service はブリッジトークンの発行と検証を行う。
type Service struct {
	repo     repository.TokenRepository
	lifetime time.Duration
	now      func() time.Time
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(repo repository.TokenRepository, cfg Config) *Service {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		lifetime: cfg.Lifetime,
		now:      cfg.Now,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Lifetime はトークンの有効期間を返す。
func (s *Service) Lifetime() time.Duration {
	return s.lifetime
}

// Issue はセッションに紐付く新しいトークンを発行する。
// 返すトークン文字列は呼び出し元にのみ渡し、保存するのはハッシュだけ。
func (s *Service) Issue(ctx context.Context, sessionID string) (string, *model.BridgingToken, error) {
	if sessionID == "" {
		return "", nil, fmt.Errorf("session ID is required")
	}

	token, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate bridging token: %w", err)
	}

	// 永続化先（TIMESTAMPTZ）の精度に合わせておく
	issuedAt := s.now().Truncate(time.Microsecond)
	record := &model.BridgingToken{
		TokenHash: HashToken(token),
		SessionID: sessionID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.lifetime),
	}

	if err := s.repo.Save(ctx, record); err != nil {
		return "", nil, fmt.Errorf("failed to store bridging token: %w", err)
	}

	s.metrics.RecordTokenIssued()
	s.logger.Info("bridging token issued",
		slog.String("token_hash", hashPrefix(record.TokenHash)),
		slog.Time("expires_at", record.ExpiresAt),
	)

	return token, record, nil
}

// VerifyAndConsume はトークンを検証し、成功した場合は消費済みにしてセッションIDを返す。
// 同一トークンに対する並行呼び出しのうち成功するのは高々1つ。
// 失敗時はErrMalformedToken、model.ErrTokenNotFound、model.ErrTokenExpired、
// model.ErrTokenAlreadyConsumedのいずれか、またはストアのエラーを返す。
func (s *Service) VerifyAndConsume(ctx context.Context, token string) (string, error) {
	if err := validateToken(token); err != nil {
		s.record(ResultInvalid, "")
		return "", err
	}

	hash := HashToken(token)
	sessionID, err := s.repo.Consume(ctx, hash, s.now())
	if err != nil {
		result := classify(err)
		s.record(result, hash)
		if result == ResultError {
			return "", fmt.Errorf("failed to consume bridging token: %w", err)
		}
		return "", err
	}

	s.record(ResultOK, hash)
	return sessionID, nil
}

// Sweep は期限切れトークンを削除する。
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep bridging tokens: %w", err)
	}
	return n, nil
}

func (s *Service) record(result, hash string) {
	s.metrics.RecordTokenVerify(result)

	level := slog.LevelInfo
	if result != ResultOK {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "bridging token verify",
		slog.String("result", result),
		slog.String("token_hash", hashPrefix(hash)),
	)
}

// classify はエラーを検証結果ラベルに変換する。
func classify(err error) string {
	switch {
	case errors.Is(err, model.ErrTokenNotFound):
		return ResultNotFound
	case errors.Is(err, model.ErrTokenExpired):
		return ResultExpired
	case errors.Is(err, model.ErrTokenAlreadyConsumed):
		return ResultConsumed
	case errors.Is(err, ErrMalformedToken):
		return ResultInvalid
	default:
		return ResultError
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordTokenIssued()         {}
func (noopMetrics) RecordTokenVerify(_ string) {}
