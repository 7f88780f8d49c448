package site

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LocalSession は公開オリジンが保持するログイン状態。
// ブリッジトークン自体は保持せず、引き換え済みトークンのハッシュのみを記録する。
type LocalSession struct {
	ID               string
	AuthSessionID    string
	User             User
	AccessToken      string
	AccessExpiresAt  time.Time
	SessionExpiresAt time.Time
	TokenHash        string
	CreatedAt        time.Time
}

// IsActive は指定時刻においてローカルセッションが有効かを返す。
func (s *LocalSession) IsActive(now time.Time) bool {
	return s != nil && now.Before(s.SessionExpiresAt)
}

// LocalSessionStore はファーストパーティCookieの値をキーにローカルセッションを保持する。
type LocalSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*LocalSession
}

// NewLocalSessionStore はLocalSessionStoreを生成する。
func NewLocalSessionStore() *LocalSessionStore {
	return &LocalSessionStore{sessions: make(map[string]*LocalSession)}
}

// Put はセッションを保存する。
func (s *LocalSessionStore) Put(session *LocalSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[session.ID] = &copied
}

// Get は有効なセッションを返す。期限切れの場合は削除してfalseを返す。
func (s *LocalSessionStore) Get(id string, now time.Time) (*LocalSession, bool) {
	if id == "" {
		return nil, false
	}

	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !session.IsActive(now) {
		s.Delete(id)
		return nil, false
	}
	copied := *session
	return &copied, true
}

// Delete はセッションを削除し、削除したセッションを返す。
func (s *LocalSessionStore) Delete(id string) (*LocalSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	return session, ok
}

// Sweep は期限切れのセッションを削除し、削除件数を返す。
func (s *LocalSessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, session := range s.sessions {
		if !session.IsActive(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Len は保持しているセッション数を返す。
func (s *LocalSessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartSweeper はintervalごとに期限切れのセッションを削除する。ctxが終了するまでブロックする。
func (s *LocalSessionStore) StartSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				logger.Info("local sessions swept", slog.Int("deleted", n))
			}
		}
	}
}
