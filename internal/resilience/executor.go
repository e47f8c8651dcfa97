// Package resilience provides the failure-isolation wrapper used by every
// fallible stage of the attachment pipeline: bounded retry with exponential
// backoff, a per-operation circuit breaker, optional fallback execution,
// and a queryable in-memory diagnostic buffer.
package resilience

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// NoRetries configures a single attempt with no retry loop. MaxRetries
// zero means unset, so disabling retries needs the explicit sentinel.
const NoRetries = -1

// Config controls retry, backoff and circuit-breaker behavior for one
// executed operation. Zero numeric fields are replaced with defaults.
type Config struct {
	// Operation keys the circuit breaker and metrics grouping.
	Operation string

	MaxRetries        int           // additional attempts after the first (default 3; NoRetries to disable)
	BaseDelay         time.Duration // first retry delay (default 1s)
	MaxDelay          time.Duration // backoff cap (default 30s)
	BackoffMultiplier float64       // delay growth factor (default 2)

	BreakerThreshold int           // consecutive failures that open the breaker (default 5)
	BreakerTimeout   time.Duration // cooldown before an open breaker closes (default 60s)

	Logging bool // mirror events to slog and the ring buffer
	Metrics bool // record per-operation attempt/success/failure counters
}

// DefaultConfig returns the standard configuration for operation.
func DefaultConfig(operation string) Config {
	return Config{
		Operation:         operation,
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		BreakerThreshold:  5,
		BreakerTimeout:    60 * time.Second,
		Logging:           true,
		Metrics:           true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Operation)
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = d.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	return c
}

// OpMetrics is the per-operation invocation tally.
type OpMetrics struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Executor runs fallible operations with retry, backoff and per-operation
// circuit breaking. Breaker state and the event buffer are shared across
// all operations executed through the same instance, so ingestion and
// cleanup must use one process-wide executor to see each other's failures.
type Executor struct {
	breakers *breakerSet
	events   *RingLog
	logger   *slog.Logger

	metricsMu sync.Mutex
	metrics   map[string]*OpMetrics

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor with an event buffer of logCapacity
// entries (<= 0 uses the default capacity).
func NewExecutor(logCapacity int) *Executor {
	return &Executor{
		breakers: newBreakerSet(),
		events:   NewRingLog(logCapacity),
		logger:   slog.Default(),
		metrics:  make(map[string]*OpMetrics),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Events returns the diagnostic ring buffer.
func (ex *Executor) Events() *RingLog { return ex.events }

// Breakers returns a snapshot of all circuit breakers.
func (ex *Executor) Breakers() []BreakerStatus { return ex.breakers.snapshot() }

// ResetBreaker closes the breaker for operation. Operator action.
func (ex *Executor) ResetBreaker(operation string) { ex.breakers.reset(operation) }

// ResetAllBreakers closes every breaker.
func (ex *Executor) ResetAllBreakers() { ex.breakers.resetAll() }

// Metrics returns a copy of the per-operation invocation tallies.
func (ex *Executor) Metrics() map[string]OpMetrics {
	ex.metricsMu.Lock()
	defer ex.metricsMu.Unlock()

	out := make(map[string]OpMetrics, len(ex.metrics))
	for name, m := range ex.metrics {
		out[name] = *m
	}
	return out
}

func (ex *Executor) count(cfg Config, attempt, success, failure int64) {
	if !cfg.Metrics {
		return
	}
	ex.metricsMu.Lock()
	defer ex.metricsMu.Unlock()

	m, ok := ex.metrics[cfg.Operation]
	if !ok {
		m = &OpMetrics{}
		ex.metrics[cfg.Operation] = m
	}
	m.Attempts += attempt
	m.Successes += success
	m.Failures += failure
}

func (ex *Executor) event(cfg Config, level slog.Level, msg string, ctx map[string]any) {
	if !cfg.Logging {
		return
	}
	ex.events.Append(Event{Level: level, Time: ex.now(), Message: msg, Context: ctx})

	attrs := make([]any, 0, 2*len(ctx)+2)
	attrs = append(attrs, "operation", cfg.Operation)
	for k, v := range ctx {
		attrs = append(attrs, k, v)
	}
	ex.logger.Log(context.Background(), level, msg, attrs...)
}

// backoffDelay computes the deterministic delay before retrying after the
// given 1-based failed attempt: min(base * mult^(attempt-1), max).
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecuteWithRetry runs op up to cfg.MaxRetries+1 times through ex.
//
// Before each attempt the operation's circuit breaker is consulted: an open
// breaker inside its cooldown rejects immediately with *CircuitOpenError
// without invoking op; once the cooldown elapses the breaker closes and the
// attempt proceeds. Success resets the operation's failure count. Failures
// increment it, opening the breaker at cfg.BreakerThreshold consecutive
// failures. Non-retryable errors (see Permanent, IsRetryable) and context
// cancellation stop the loop early; otherwise the executor sleeps for the
// deterministic backoff delay and tries again. After the budget is spent
// the last error is surfaced wrapped in *ExhaustedError.
func ExecuteWithRetry[T any](ctx context.Context, ex *Executor, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	attempts := cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		ok, wait := ex.breakers.allow(cfg.Operation, cfg.BreakerTimeout, ex.now())
		if !ok {
			err := &CircuitOpenError{Operation: cfg.Operation, RetryAfter: wait}
			ex.event(cfg, slog.LevelWarn, "circuit breaker rejected operation", map[string]any{
				"attempt":     attempt,
				"retry_after": wait.String(),
			})
			return zero, err
		}

		ex.count(cfg, 1, 0, 0)
		result, err := op(ctx)
		if err == nil {
			ex.breakers.recordSuccess(cfg.Operation)
			ex.count(cfg, 0, 1, 0)
			if attempt > 1 {
				ex.event(cfg, slog.LevelInfo, "operation succeeded after retry", map[string]any{"attempt": attempt})
			}
			return result, nil
		}

		lastErr = err
		ex.count(cfg, 0, 0, 1)
		opened := ex.breakers.recordFailure(cfg.Operation, cfg.BreakerThreshold, ex.now())
		ex.event(cfg, slog.LevelWarn, "operation attempt failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if opened {
			ex.event(cfg, slog.LevelError, "circuit breaker opened", map[string]any{
				"threshold": cfg.BreakerThreshold,
			})
		}

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		ex.event(cfg, slog.LevelDebug, "retrying after backoff", map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
		})
		if serr := ex.sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}

	ex.event(cfg, slog.LevelError, "retry budget exhausted", map[string]any{
		"attempts": attempts,
		"error":    lastErr.Error(),
	})
	return zero, &ExhaustedError{Operation: cfg.Operation, Attempts: attempts, Err: lastErr}
}

// ExecuteWithFallback runs primary through ExecuteWithRetry; if it fails,
// fallback is run once. A fallback failure is logged but not surfaced: the
// primary error is considered the root cause and is the one returned.
func ExecuteWithFallback[T any](ctx context.Context, ex *Executor, cfg Config, primary, fallback func(ctx context.Context) (T, error)) (T, error) {
	result, err := ExecuteWithRetry(ctx, ex, cfg, primary)
	if err == nil {
		return result, nil
	}

	fbResult, fbErr := fallback(ctx)
	if fbErr != nil {
		ex.event(cfg.withDefaults(), slog.LevelError, "fallback failed", map[string]any{
			"primary_error":  err.Error(),
			"fallback_error": fbErr.Error(),
		})
		var zero T
		return zero, err
	}

	ex.event(cfg.withDefaults(), slog.LevelInfo, "fallback succeeded", map[string]any{
		"primary_error": err.Error(),
	})
	return fbResult, nil
}

// Run executes an error-only operation through ExecuteWithRetry.
func (ex *Executor) Run(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := ExecuteWithRetry(ctx, ex, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
