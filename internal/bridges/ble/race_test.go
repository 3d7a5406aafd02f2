package ble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockLogger records log entries for assertions. Shared by the package tests.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	Level string
	Msg   string
}

func (l *mockLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Msg: msg})
}

func (l *mockLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *mockLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *mockLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *mockLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *mockLogger) HasMessage(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Msg == msg {
			return true
		}
	}
	return false
}

// ===== RaceTasks Tests

func TestRaceTasksWinnerErrorSurfaced(t *testing.T) {
	boom := errors.New("handler blew up")

	err := RaceTasks(context.Background(), noopLogger{},
		Task{Name: "failing", Run: func(ctx context.Context) error {
			return boom
		}},
		Task{Name: "waiting", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("RaceTasks() error = %v, want %v", err, boom)
	}
}

func TestRaceTasksCleanFinish(t *testing.T) {
	err := RaceTasks(context.Background(), noopLogger{},
		Task{Name: "first", Run: func(ctx context.Context) error { return nil }},
		Task{Name: "second", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)
	if err != nil {
		t.Fatalf("RaceTasks() error = %v, want nil", err)
	}
}

func TestRaceTasksParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- RaceTasks(ctx, noopLogger{},
			Task{Name: "blocked", Run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}},
		)
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RaceTasks() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RaceTasks did not return after parent cancellation")
	}
}

func TestRaceTasksLateErrorSurfaced(t *testing.T) {
	// The winner finishes cleanly; a sibling fails for a real reason while
	// winding down. That failure must not be lost.
	flush := errors.New("flush failed")

	err := RaceTasks(context.Background(), noopLogger{},
		Task{Name: "winner", Run: func(ctx context.Context) error { return nil }},
		Task{Name: "loser", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return flush
		}},
	)
	if !errors.Is(err, flush) {
		t.Fatalf("RaceTasks() error = %v, want %v", err, flush)
	}
}

func TestRaceTasksCancellationSwallowed(t *testing.T) {
	err := RaceTasks(context.Background(), noopLogger{},
		Task{Name: "winner", Run: func(ctx context.Context) error { return nil }},
		Task{Name: "loser", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)
	if err != nil {
		t.Fatalf("RaceTasks() error = %v, want nil", err)
	}
}

func TestRaceTasksDeadlineIsReal(t *testing.T) {
	err := RaceTasks(context.Background(), noopLogger{},
		Task{Name: "timed out", Run: func(ctx context.Context) error {
			return context.DeadlineExceeded
		}},
	)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RaceTasks() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRaceTasksSecondErrorLogged(t *testing.T) {
	log := &mockLogger{}
	first := errors.New("first failure")
	second := errors.New("second failure")
	started := make(chan struct{})

	err := RaceTasks(context.Background(), log,
		Task{Name: "winner", Run: func(ctx context.Context) error {
			<-started
			return first
		}},
		Task{Name: "loser", Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return second
		}},
	)
	if !errors.Is(err, first) {
		t.Fatalf("RaceTasks() error = %v, want %v", err, first)
	}
	if !log.HasMessage("task failed after race settled") {
		t.Error("Expected the second failure to be logged")
	}
}

func TestRaceTasksWaitsForAllTasks(t *testing.T) {
	var finished atomic.Bool

	err := RaceTasks(context.Background(), noopLogger{},
		Task{Name: "winner", Run: func(ctx context.Context) error { return nil }},
		Task{Name: "slow", Run: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		}},
	)
	if err != nil {
		t.Fatalf("RaceTasks() error = %v, want nil", err)
	}
	if !finished.Load() {
		t.Error("RaceTasks returned before all tasks finished")
	}
}

func TestRaceTasksNoTasks(t *testing.T) {
	if err := RaceTasks(context.Background(), noopLogger{}); err != nil {
		t.Fatalf("RaceTasks() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := RaceTasks(ctx, noopLogger{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("RaceTasks() error = %v, want context.Canceled", err)
	}
}
