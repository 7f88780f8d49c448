package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- モック定義 ---

type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	mu         sync.Mutex
	execCalled int
	query      string
	args       []interface{}
	result     sql.Result
	err        error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCalled++
	m.query = query
	m.args = args
	return m.result, m.err
}

func (m *mockExecutor) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execCalled
}

type mockSweeper struct {
	n      int64
	err    error
	called int
}

func (m *mockSweeper) Sweep(ctx context.Context) (int64, error) {
	m.called++
	return m.n, m.err
}

type mockSweepMetrics struct {
	recorded map[string]int64
}

func (m *mockSweepMetrics) RecordSweep(target string, deleted int64) {
	if m.recorded == nil {
		m.recorded = make(map[string]int64)
	}
	m.recorded[target] += deleted
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, nil, nil, nil)

	if job.SessionRetention != DefaultSessionRetention {
		t.Errorf("SessionRetention = %v, want %v", job.SessionRetention, DefaultSessionRetention)
	}
}

func TestCleanupJob_Run_DeletesSessionsPastRetention(t *testing.T) {
	var buf bytes.Buffer
	exec := &mockExecutor{result: &fakeResult{rowsAffected: 3}}
	job := NewCleanupJob(exec, nil, nil, newTestLogger(&buf))
	fixed := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixed }
	job.SessionRetention = 48 * time.Hour

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if !strings.Contains(exec.query, "DELETE FROM sessions") {
		t.Errorf("クエリに 'DELETE FROM sessions' が含まれていない: %s", exec.query)
	}
	if !strings.Contains(exec.query, "revoked_at") {
		t.Errorf("クエリに失効条件が含まれていない: %s", exec.query)
	}

	cutoff, ok := exec.args[0].(time.Time)
	if !ok {
		t.Fatalf("第1引数が time.Time ではない: %T", exec.args[0])
	}
	if want := fixed.Add(-48 * time.Hour); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}
}

func TestCleanupJob_Run_SweepsTokensAndRecordsMetrics(t *testing.T) {
	var buf bytes.Buffer
	exec := &mockExecutor{result: &fakeResult{rowsAffected: 2}}
	sweeper := &mockSweeper{n: 9}
	metrics := &mockSweepMetrics{}
	job := NewCleanupJob(exec, sweeper, metrics, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if sweeper.called != 1 {
		t.Errorf("Sweep called %d times, want 1", sweeper.called)
	}
	if metrics.recorded["bridging_tokens"] != 9 {
		t.Errorf("bridging_tokens = %d, want 9", metrics.recorded["bridging_tokens"])
	}
	if metrics.recorded["sessions"] != 2 {
		t.Errorf("sessions = %d, want 2", metrics.recorded["sessions"])
	}

	// ログ出力に削除件数が含まれること
	var entry map[string]interface{}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["deleted_tokens"] == float64(9) && entry["deleted_sessions"] == float64(2) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ログに削除件数が記録されていない。ログ出力: %s", buf.String())
	}
}

// トークン削除が失敗してもセッション削除は実行されること
func TestCleanupJob_Run_TokenSweepErrorStillDeletesSessions(t *testing.T) {
	var buf bytes.Buffer
	exec := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	sweepErr := errors.New("connection reset")
	job := NewCleanupJob(exec, &mockSweeper{err: sweepErr}, nil, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, sweepErr) {
		t.Fatalf("Run() error = %v, want wrapped sweep error", err)
	}
	if exec.calls() != 1 {
		t.Errorf("ExecContext called %d times, want 1", exec.calls())
	}
}

func TestCleanupJob_Run_ExecError(t *testing.T) {
	var buf bytes.Buffer
	dbErr := errors.New("database is down")
	job := NewCleanupJob(&mockExecutor{err: dbErr}, nil, nil, newTestLogger(&buf))

	err := job.Run(context.Background())
	if !errors.Is(err, dbErr) {
		t.Fatalf("Run() error = %v, want wrapped db error", err)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("エラーログが出力されていない: %s", buf.String())
	}
}

func TestCleanupJob_Run_RowsAffectedError(t *testing.T) {
	var buf bytes.Buffer
	exec := &mockExecutor{result: &fakeResult{err: errors.New("driver does not support")}}
	job := NewCleanupJob(exec, nil, nil, newTestLogger(&buf))

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error when RowsAffected fails")
	}
}

// 冪等性: 削除対象がなくてもエラーにならない
func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	exec := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	job := NewCleanupJob(exec, &mockSweeper{}, nil, newTestLogger(&buf))

	for i := 0; i < 3; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d がエラーを返した: %v", i+1, err)
		}
	}
}

// Startは起動直後に1回実行し、コンテキストのキャンセルで停止すること
func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	var buf bytes.Buffer
	exec := &mockExecutor{result: &fakeResult{}}
	job := NewCleanupJob(exec, nil, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for exec.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if exec.calls() == 0 {
		t.Fatal("Start did not run the job immediately")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
