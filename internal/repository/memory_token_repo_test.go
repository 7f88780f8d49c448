package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/authbridge/internal/model"
)

func newTestToken(hash string, issuedAt time.Time, lifetime time.Duration) *model.BridgingToken {
	return &model.BridgingToken{
		TokenHash: hash,
		SessionID: "session-" + hash,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(lifetime),
	}
}

func TestMemoryTokenRepo_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepo()
	now := time.Now()

	if err := repo.Save(ctx, newTestToken("h1", now, time.Minute)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	sessionID, err := repo.Consume(ctx, "h1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("first Consume() error = %v", err)
	}
	if sessionID != "session-h1" {
		t.Errorf("sessionID = %q, want %q", sessionID, "session-h1")
	}

	_, err = repo.Consume(ctx, "h1", now.Add(2*time.Second))
	if !errors.Is(err, model.ErrTokenAlreadyConsumed) {
		t.Errorf("second Consume() error = %v, want ErrTokenAlreadyConsumed", err)
	}
}

func TestMemoryTokenRepo_NotFound(t *testing.T) {
	repo := NewMemoryTokenRepo()

	_, err := repo.Consume(context.Background(), "missing", time.Now())
	if !errors.Is(err, model.ErrTokenNotFound) {
		t.Errorf("Consume() error = %v, want ErrTokenNotFound", err)
	}
}

func TestMemoryTokenRepo_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepo()
	issued := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := repo.Save(ctx, newTestToken("h2", issued, time.Second)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// 期限ちょうどの時刻では失敗する
	_, err := repo.Consume(ctx, "h2", issued.Add(time.Second))
	if !errors.Is(err, model.ErrTokenExpired) {
		t.Fatalf("Consume() at expiry error = %v, want ErrTokenExpired", err)
	}

	// 期限切れのトークンは消費されないので、期限内の時刻なら成功する
	if _, err := repo.Consume(ctx, "h2", issued.Add(999*time.Millisecond)); err != nil {
		t.Errorf("Consume() before expiry error = %v", err)
	}
}

func TestMemoryTokenRepo_DuplicateSave(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepo()
	token := newTestToken("dup", time.Now(), time.Minute)

	if err := repo.Save(ctx, token); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Save(ctx, token); err == nil {
		t.Error("expected error on duplicate save")
	}
}

// 同一トークンを並行に消費しても成功はちょうど1回であることを検証
func TestMemoryTokenRepo_ConcurrentConsume_ExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepo()
	now := time.Now()

	if err := repo.Save(ctx, newTestToken("race", now, time.Minute)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	const workers = 64
	var wins, consumed int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := repo.Consume(ctx, "race", now.Add(time.Second))
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, model.ErrTokenAlreadyConsumed):
				atomic.AddInt64(&consumed, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful consumes = %d, want 1", wins)
	}
	if consumed != workers-1 {
		t.Errorf("already consumed = %d, want %d", consumed, workers-1)
	}
}

func TestMemoryTokenRepo_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepo()
	now := time.Now()

	_ = repo.Save(ctx, newTestToken("old", now.Add(-time.Hour), time.Minute))
	_ = repo.Save(ctx, newTestToken("fresh", now, time.Minute))

	n, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	if _, err := repo.Consume(ctx, "old", now); !errors.Is(err, model.ErrTokenNotFound) {
		t.Errorf("Consume(old) error = %v, want ErrTokenNotFound", err)
	}
	if _, err := repo.Consume(ctx, "fresh", now); err != nil {
		t.Errorf("Consume(fresh) error = %v", err)
	}
}
