package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したブリッジトークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Save はトークンを保存する。
func (r *PostgresTokenRepo) Save(ctx context.Context, token *model.BridgingToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bridging_tokens (token_hash, session_id, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		token.TokenHash, token.SessionID, token.IssuedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save bridging token: %w", err)
	}
	return nil
}

// Consume は未消費かつ期限内のトークンを1回のUPDATEで消費済みにする。
// 行ロックにより、同時に実行されても成功するのは1つだけになる。
// 更新対象がない場合は読み取りで理由を判定する。
// TIMESTAMPTZはマイクロ秒精度のため、比較に使う時刻も同じ精度に揃える。
func (r *PostgresTokenRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	now = now.Truncate(time.Microsecond)

	var sessionID string
	err := r.db.QueryRowContext(ctx,
		`UPDATE bridging_tokens
		 SET consumed_at = $2
		 WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		 RETURNING session_id`,
		tokenHash, now,
	).Scan(&sessionID)
	if err == nil {
		return sessionID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to consume bridging token: %w", err)
	}

	token, err := r.find(ctx, tokenHash)
	if err != nil {
		return "", err
	}
	return "", classifyUnconsumable(token, now)
}

// DeleteExpired はbefore以前に期限切れとなったトークンを削除する。
func (r *PostgresTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM bridging_tokens WHERE expires_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired bridging tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// find はトークンハッシュで行を取得する。見つからない場合はnilを返す。
func (r *PostgresTokenRepo) find(ctx context.Context, tokenHash string) (*model.BridgingToken, error) {
	token := &model.BridgingToken{}
	var consumedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT token_hash, session_id, issued_at, expires_at, consumed_at
		 FROM bridging_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&token.TokenHash, &token.SessionID, &token.IssuedAt, &token.ExpiresAt, &consumedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bridging token: %w", err)
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		token.ConsumedAt = &t
	}
	return token, nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
