// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 期限切れのブリッジトークンと、失効・期限切れから保持期間を過ぎたセッションを削除する。
// セッションに紐づくトークンはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultSessionRetention は失効・期限切れセッションを残しておく期間。
const DefaultSessionRetention = 7 * 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TokenSweeper は期限切れトークンの削除を行うインターフェース。
// bridge.Serviceが満たす。
type TokenSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SweepMetrics は削除件数を記録するインターフェース。
type SweepMetrics interface {
	RecordSweep(target string, deleted int64)
}

// CleanupJob は期限切れデータの削除ジョブ。
// 何度実行しても結果が変わらない冪等な削除のみを行う。
type CleanupJob struct {
	db               Executor
	tokens           TokenSweeper
	metrics          SweepMetrics
	logger           *slog.Logger
	now              func() time.Time
	SessionRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// tokensがnilの場合はトークンの削除を行わない（Redisストアのようにキー自体が期限で消える場合）。
func NewCleanupJob(db Executor, tokens TokenSweeper, metrics SweepMetrics, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:               db,
		tokens:           tokens,
		metrics:          metrics,
		logger:           logger,
		now:              time.Now,
		SessionRetention: DefaultSessionRetention,
	}
}

// Run はトークンとセッションの削除を1回実行する。
// トークン削除に失敗してもセッション削除は試み、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var firstErr error

	var tokenCount int64
	if j.tokens != nil {
		n, err := j.tokens.Sweep(ctx)
		if err != nil {
			j.logger.Error("トークンのクリーンアップに失敗しました",
				slog.String("error", err.Error()),
			)
			firstErr = fmt.Errorf("トークンクリーンアップの実行に失敗: %w", err)
		}
		tokenCount = n
		j.record("bridging_tokens", n)
	}

	sessionCount, err := j.deleteSessions(ctx)
	if err != nil {
		j.logger.Error("セッションのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.SessionRetention),
		)
		if firstErr == nil {
			firstErr = err
		}
	}
	j.record("sessions", sessionCount)

	if firstErr != nil {
		return firstErr
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_tokens", tokenCount),
		slog.Int64("deleted_sessions", sessionCount),
		slog.Duration("retention", j.SessionRetention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔のティッカーでジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

func (j *CleanupJob) deleteSessions(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.SessionRetention)

	query := `DELETE FROM sessions
		WHERE expires_at < $1
		   OR (revoked_at IS NOT NULL AND revoked_at < $1)`
	result, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}

func (j *CleanupJob) record(target string, deleted int64) {
	if j.metrics != nil {
		j.metrics.RecordSweep(target, deleted)
	}
}
