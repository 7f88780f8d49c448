package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authbridge/internal/model"
)

const defaultTokenKeyPrefix = "authbridge:bt:"

// consumeScript は存在確認、期限判定、消費済み判定、消費フラグ設定を
// サーバー側の1ステップで行う。戻り値は {結果, session_id}。
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 0 then
  return {'not_found', ''}
end
local expires = tonumber(redis.call('HGET', key, 'expires_at'))
if now >= expires then
  return {'expired', ''}
end
if redis.call('HEXISTS', key, 'consumed_at') == 1 then
  return {'consumed', ''}
end
redis.call('HSET', key, 'consumed_at', ARGV[1])
return {'ok', redis.call('HGET', key, 'session_id')}
`)

// RedisTokenRepo はRedisを使用したブリッジトークンリポジトリ。
// 複数インスタンス構成で認証オリジンをスケールさせる場合に使用する。
type RedisTokenRepo struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisTokenRepo はRedisTokenRepoを生成する。
// retentionは期限切れ後に消費済みフラグを保持する時間で、キーのTTLは有効期間+retentionになる。
func NewRedisTokenRepo(client redis.UniversalClient, retention time.Duration) *RedisTokenRepo {
	return &RedisTokenRepo{
		client:    client,
		prefix:    defaultTokenKeyPrefix,
		retention: retention,
	}
}

// Save はトークンをハッシュとして保存し、TTLを設定する。
// フィールド設定とTTL設定はMULTI/EXECでまとめて適用する。
func (r *RedisTokenRepo) Save(ctx context.Context, token *model.BridgingToken) error {
	key := r.key(token.TokenHash)
	ttl := token.ExpiresAt.Sub(token.IssuedAt) + r.retention

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"session_id", token.SessionID,
			"issued_at", strconv.FormatInt(token.IssuedAt.UnixMilli(), 10),
			"expires_at", strconv.FormatInt(token.ExpiresAt.UnixMilli(), 10),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save bridging token: %w", err)
	}
	return nil
}

// Consume はLuaスクリプトでトークンを原子的に消費する。
func (r *RedisTokenRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	res, err := consumeScript.Run(ctx, r.client,
		[]string{r.key(tokenHash)},
		strconv.FormatInt(now.UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return "", fmt.Errorf("failed to consume bridging token: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected consume script result: %v", res)
	}

	switch res[0] {
	case "ok":
		return res[1], nil
	case "not_found":
		return "", model.ErrTokenNotFound
	case "expired":
		return "", model.ErrTokenExpired
	case "consumed":
		return "", model.ErrTokenAlreadyConsumed
	default:
		return "", fmt.Errorf("unexpected consume script status: %s", res[0])
	}
}

// DeleteExpired はRedisではキーのTTLで自動削除されるため何もしない。
func (r *RedisTokenRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *RedisTokenRepo) key(tokenHash string) string {
	return r.prefix + tokenHash
}

// compile-time interface check
var _ TokenRepository = (*RedisTokenRepo)(nil)
