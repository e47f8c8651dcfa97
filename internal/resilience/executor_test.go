package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

// newTestExecutor returns an executor with a controllable clock and a sleep
// that records requested delays instead of blocking.
func newTestExecutor(t *testing.T) (*Executor, *time.Time, *[]time.Duration) {
	t.Helper()
	ex := NewExecutor(64)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var delays []time.Duration
	ex.now = func() time.Time { return now }
	ex.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return ex, &now, &delays
}

func TestExecuteWithRetry_SucceedsFirstAttempt(t *testing.T) {
	ex, _, delays := newTestExecutor(t)

	calls := 0
	got, err := ExecuteWithRetry(context.Background(), ex, DefaultConfig("op"), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls, want %q after 1", got, calls, "ok")
	}
	if len(*delays) != 0 {
		t.Errorf("slept %d times, want 0", len(*delays))
	}
}

func TestExecuteWithRetry_RetriesThenSucceeds(t *testing.T) {
	ex, _, delays := newTestExecutor(t)

	calls := 0
	got, err := ExecuteWithRetry(context.Background(), ex, DefaultConfig("op"), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient %d", calls)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("got %d after %d calls, want 42 after 3", got, calls)
	}
	if len(*delays) != 2 {
		t.Errorf("slept %d times, want 2", len(*delays))
	}
}

func TestExecuteWithRetry_ExhaustsBudget(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	cause := errors.New("disk hiccup")
	calls := 0
	_, err := ExecuteWithRetry(context.Background(), ex, DefaultConfig("op"), func(context.Context) (int, error) {
		calls++
		return 0, cause
	})
	if calls != 4 {
		t.Errorf("op invoked %d times, want 4 (1 + 3 retries)", calls)
	}
	var ee *ExhaustedError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want *ExhaustedError", err)
	}
	if ee.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", ee.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("ExhaustedError does not wrap the original cause")
	}
}

func TestExecuteWithRetry_NoRetriesMeansSingleAttempt(t *testing.T) {
	ex, _, delays := newTestExecutor(t)

	cfg := DefaultConfig("op")
	cfg.MaxRetries = NoRetries

	calls := 0
	_, err := ExecuteWithRetry(context.Background(), ex, cfg, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	if calls != 1 {
		t.Errorf("op invoked %d times, want exactly 1", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("slept %d times, want 0", len(*delays))
	}
	var ee *ExhaustedError
	if !errors.As(err, &ee) || ee.Attempts != 1 {
		t.Fatalf("error = %v, want *ExhaustedError with Attempts=1", err)
	}
}

func TestExecuteWithRetry_PermanentErrorStopsImmediately(t *testing.T) {
	ex, _, delays := newTestExecutor(t)

	cause := errors.New("invalid input")
	calls := 0
	_, err := ExecuteWithRetry(context.Background(), ex, DefaultConfig("op"), func(context.Context) (int, error) {
		calls++
		return 0, Permanent(cause)
	})
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapped %v", err, cause)
	}
	if len(*delays) != 0 {
		t.Errorf("slept %d times, want 0", len(*delays))
	}
}

func TestExecuteWithRetry_DelaySequenceIsCapped(t *testing.T) {
	ex, _, delays := newTestExecutor(t)

	cfg := DefaultConfig("op")
	cfg.MaxRetries = 6
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.BackoffMultiplier = 2
	cfg.BreakerThreshold = 100 // keep the breaker out of this test

	_, _ = ExecuteWithRetry(context.Background(), ex, cfg, func(context.Context) (int, error) {
		return 0, errors.New("always fails")
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	if len(*delays) != len(want) {
		t.Fatalf("slept %d times, want %d: %v", len(*delays), len(want), *delays)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	cfg := DefaultConfig("flaky")
	cfg.MaxRetries = NoRetries
	cfg.BreakerThreshold = 5

	calls := 0
	fail := func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	}

	for i := 0; i < 5; i++ {
		if _, err := ExecuteWithRetry(context.Background(), ex, cfg, fail); err == nil {
			t.Fatal("expected failure")
		}
	}
	if calls != 5 {
		t.Fatalf("op invoked %d times, want 5", calls)
	}

	// Sixth invocation: rejected without running the operation.
	_, err := ExecuteWithRetry(context.Background(), ex, cfg, fail)
	var ce *CircuitOpenError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CircuitOpenError", err)
	}
	if ce.Operation != "flaky" {
		t.Errorf("Operation = %q, want %q", ce.Operation, "flaky")
	}
	if calls != 5 {
		t.Errorf("op invoked %d times after breaker opened, want 5", calls)
	}
}

func TestBreaker_AutoClosesAfterTimeout(t *testing.T) {
	ex, now, _ := newTestExecutor(t)

	cfg := DefaultConfig("flaky")
	cfg.MaxRetries = NoRetries
	cfg.BreakerThreshold = 2
	cfg.BreakerTimeout = time.Minute

	fail := func(context.Context) (int, error) { return 0, errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, _ = ExecuteWithRetry(context.Background(), ex, cfg, fail)
	}

	if _, err := ExecuteWithRetry(context.Background(), ex, cfg, fail); !errors.As(err, new(*CircuitOpenError)) {
		t.Fatalf("error = %v, want *CircuitOpenError while cooling down", err)
	}

	// After the cooldown the next invocation is attempted again,
	// regardless of its outcome.
	*now = now.Add(time.Minute)
	calls := 0
	_, err := ExecuteWithRetry(context.Background(), ex, cfg, func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error after cooldown: %v", err)
	}
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1", calls)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	cfg := DefaultConfig("op")
	cfg.MaxRetries = NoRetries
	cfg.BreakerThreshold = 3

	fail := func(context.Context) (int, error) { return 0, errors.New("boom") }
	ok := func(context.Context) (int, error) { return 1, nil }

	_, _ = ExecuteWithRetry(context.Background(), ex, cfg, fail)
	_, _ = ExecuteWithRetry(context.Background(), ex, cfg, fail)
	if _, err := ExecuteWithRetry(context.Background(), ex, cfg, ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two more failures should not open the breaker (count was reset).
	_, _ = ExecuteWithRetry(context.Background(), ex, cfg, fail)
	_, _ = ExecuteWithRetry(context.Background(), ex, cfg, fail)
	if _, err := ExecuteWithRetry(context.Background(), ex, cfg, ok); err != nil {
		t.Fatalf("breaker opened despite reset: %v", err)
	}
}

func TestExecuteWithFallback_PrimaryErrorWins(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	cfg := DefaultConfig("handoff")
	cfg.MaxRetries = NoRetries
	primaryErr := errors.New("primary down")

	// Fallback succeeds: its result is returned.
	got, err := ExecuteWithFallback(context.Background(), ex, cfg,
		func(context.Context) (string, error) { return "", primaryErr },
		func(context.Context) (string, error) { return "degraded", nil },
	)
	if err != nil || got != "degraded" {
		t.Fatalf("got (%q, %v), want (degraded, nil)", got, err)
	}

	// Fallback fails too: the primary error is surfaced.
	_, err = ExecuteWithFallback(context.Background(), ex, cfg,
		func(context.Context) (string, error) { return "", primaryErr },
		func(context.Context) (string, error) { return "", errors.New("fallback down") },
	)
	if !errors.Is(err, primaryErr) {
		t.Errorf("error = %v, want the primary error", err)
	}
}

func TestResetBreaker(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	cfg := DefaultConfig("op")
	cfg.MaxRetries = NoRetries
	cfg.BreakerThreshold = 1
	_, _ = ExecuteWithRetry(context.Background(), ex, cfg, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	if _, err := ExecuteWithRetry(context.Background(), ex, cfg, func(context.Context) (int, error) { return 1, nil }); err == nil {
		t.Fatal("expected circuit-open error")
	}

	ex.ResetBreaker("op")
	if _, err := ExecuteWithRetry(context.Background(), ex, cfg, func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestRingLog_EvictsOldestAndFiltersByLevel(t *testing.T) {
	l := NewRingLog(3)
	for i := 0; i < 5; i++ {
		level := slog.LevelInfo
		if i%2 == 0 {
			level = slog.LevelWarn
		}
		l.Append(Event{Level: level, Message: fmt.Sprintf("event %d", i)})
	}

	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}

	all := l.Recent(slog.LevelDebug, 0)
	if len(all) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(all))
	}
	if all[0].Message != "event 4" || all[2].Message != "event 2" {
		t.Errorf("unexpected order: %q … %q", all[0].Message, all[2].Message)
	}

	warns := l.Recent(slog.LevelWarn, 0)
	if len(warns) != 2 {
		t.Fatalf("Recent(warn) returned %d events, want 2", len(warns))
	}
}

func TestMetricsTally(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	cfg := DefaultConfig("op")
	cfg.MaxRetries = 1
	calls := 0
	_, err := ExecuteWithRetry(context.Background(), ex, cfg, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := ex.Metrics()["op"]
	if m.Attempts != 2 || m.Successes != 1 || m.Failures != 1 {
		t.Errorf("metrics = %+v, want attempts=2 successes=1 failures=1", m)
	}
}
