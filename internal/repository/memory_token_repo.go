package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

// MemoryTokenRepo はプロセス内メモリにブリッジトークンを保持するリポジトリ。
// 開発環境と単一プロセス構成向け。消費はミューテックス下で判定と更新を行う。
type MemoryTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*model.BridgingToken
}

// NewMemoryTokenRepo はMemoryTokenRepoを生成する。
func NewMemoryTokenRepo() *MemoryTokenRepo {
	return &MemoryTokenRepo{tokens: make(map[string]*model.BridgingToken)}
}

// Save はトークンを保存する。同じハッシュが既に存在する場合はエラーを返す。
func (r *MemoryTokenRepo) Save(_ context.Context, token *model.BridgingToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[token.TokenHash]; exists {
		return fmt.Errorf("failed to save bridging token: duplicate hash")
	}
	copied := *token
	r.tokens[token.TokenHash] = &copied
	return nil
}

// Consume はトークンを消費済みにしてセッションIDを返す。
func (r *MemoryTokenRepo) Consume(_ context.Context, tokenHash string, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[tokenHash]
	if !ok {
		return "", model.ErrTokenNotFound
	}
	// errTokenRacedは消費可能を意味する
	if err := classifyUnconsumable(token, now); err != errTokenRaced {
		return "", err
	}

	consumedAt := now
	token.ConsumedAt = &consumedAt
	return token.SessionID, nil
}

// DeleteExpired はbefore以前に期限切れとなったトークンを削除する。
func (r *MemoryTokenRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for hash, token := range r.tokens {
		if token.ExpiresAt.Before(before) {
			delete(r.tokens, hash)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var _ TokenRepository = (*MemoryTokenRepo)(nil)
