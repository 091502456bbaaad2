// Package pool wraps IO-bound operations with bounded concurrency, per-call
// timeouts, retry with backoff, and a circuit breaker.
//
// Every outbound dependency (database, AI provider, payment provider) gets
// its own Executor so one slow dependency cannot exhaust another's budget.
// The breaker state machine follows Closed -> Open -> HalfOpen -> Closed:
// consecutive failures open the circuit, a single probe is admitted after
// the reset timeout, and its outcome decides whether the circuit closes or
// re-opens.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/hub"
)

// RetryStrategy selects the backoff schedule between attempts.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// State of the circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one executor.
type Config struct {
	Name          string
	MaxConcurrent int
	CallTimeout   time.Duration
	RetryAttempts int
	Strategy      RetryStrategy
	InitialDelay  time.Duration
	MaxDelay      time.Duration

	BreakerThreshold    int
	BreakerResetTimeout time.Duration
}

// DefaultConfig returns conservative settings suitable for a database.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxConcurrent:       50,
		CallTimeout:         5 * time.Second,
		RetryAttempts:       3,
		Strategy:            RetryExponential,
		InitialDelay:        100 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// Stats is a snapshot of executor counters.
type Stats struct {
	Name          string  `json:"name"`
	State         string  `json:"state"`
	Total         uint64  `json:"total"`
	Successes     uint64  `json:"successes"`
	Failures      uint64  `json:"failures"`
	Trips         uint64  `json:"trips"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	LastError     string  `json:"last_error,omitempty"`
	NextAttemptAt string  `json:"next_attempt_at,omitempty"`
}

// Executor runs operations under the pool and breaker.
type Executor struct {
	cfg Config
	sem chan struct{}
	log zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	nextAttemptAt time.Time

	total       uint64
	successes   uint64
	failCount   uint64
	trips       uint64
	ewmaLatency float64 // milliseconds, alpha 0.1
	lastError   string

	now func() time.Time
}

// New creates an executor from config.
func New(cfg Config, logger zerolog.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Executor{
		cfg:   cfg,
		sem:   make(chan struct{}, cfg.MaxConcurrent),
		state: StateClosed,
		log:   logger.With().Str("component", "pool").Str("pool", cfg.Name).Logger(),
		now:   time.Now,
	}
}

// Do runs fn under the semaphore, timeout, retry and breaker policies.
//
// Non-retryable typed errors (validation, insufficient energy, conflicts)
// surface immediately and do not count against the breaker: a dependency
// that rejects a request on business grounds is alive.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.admit(); err != nil {
		return err
	}

	// Semaphore acquisition honors cancellation so a cancelled request
	// releases its slot claim instead of queueing dead work.
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return hub.Wrap(hub.KindInternalUnavailable, "cancelled while waiting for pool slot", ctx.Err())
	}
	defer func() { <-e.sem }()

	start := e.now()
	var lastErr error

	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		}

		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			e.recordSuccess(time.Since(start))
			return nil
		}

		lastErr = err

		if !retryable(err) {
			// Business rejection: the dependency answered.
			e.recordSuccess(time.Since(start))
			return err
		}

		if attempt < e.cfg.RetryAttempts {
			delay := e.delay(attempt)
			e.log.Warn().Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("attempt failed, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.recordFailure(err, time.Since(start))
				return hub.Wrap(hub.KindInternalUnavailable, "cancelled during retry backoff", ctx.Err())
			}
		}
	}

	e.recordFailure(lastErr, time.Since(start))
	return lastErr
}

// retryable decides whether an attempt error warrants another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *hub.Error
	if errors.As(err, &he) {
		return hub.Retryable(err)
	}
	// Untyped errors are treated as infrastructure failures.
	return true
}

// admit applies the breaker state machine before any work happens.
func (e *Executor) admit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return nil
	case StateOpen:
		if e.now().Before(e.nextAttemptAt) {
			return hub.E(hub.KindCircuitOpen, "circuit open for "+e.cfg.Name).
				WithDetails(map[string]interface{}{"retry_at": e.nextAttemptAt.UTC().Format(time.RFC3339)})
		}
		// First call after the reset timeout becomes the probe.
		e.state = StateHalfOpen
		e.log.Info().Msg("circuit half-open, admitting probe")
		return nil
	case StateHalfOpen:
		// Only one probe at a time; concurrent callers fail fast.
		return hub.E(hub.KindCircuitOpen, "circuit probing "+e.cfg.Name)
	}
	return nil
}

func (e *Executor) recordSuccess(elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.total++
	e.successes++
	e.observeLatency(elapsed)

	switch e.state {
	case StateHalfOpen:
		e.state = StateClosed
		e.failures = 0
		e.log.Info().Msg("circuit closed after successful probe")
	case StateClosed:
		if e.failures > 0 {
			e.failures--
		}
	}
}

func (e *Executor) recordFailure(err error, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.total++
	e.failCount++
	e.observeLatency(elapsed)
	if err != nil {
		e.lastError = err.Error()
	}

	switch e.state {
	case StateHalfOpen:
		// Probe failed: re-open and extend the reset window.
		e.open()
	case StateClosed:
		e.failures++
		if e.failures >= e.cfg.BreakerThreshold {
			e.open()
		}
	}
}

func (e *Executor) open() {
	e.state = StateOpen
	e.trips++
	e.nextAttemptAt = e.now().Add(e.cfg.BreakerResetTimeout)
	e.log.Warn().
		Time("next_attempt_at", e.nextAttemptAt).
		Uint64("trips", e.trips).
		Msg("circuit opened")
}

func (e *Executor) observeLatency(elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000.0
	if e.ewmaLatency == 0 {
		e.ewmaLatency = ms
		return
	}
	const alpha = 0.1
	e.ewmaLatency = alpha*ms + (1-alpha)*e.ewmaLatency
}

// delay computes the backoff before attempt n+1 (n is 1-based).
func (e *Executor) delay(attempt int) time.Duration {
	var d time.Duration
	switch e.cfg.Strategy {
	case RetryFixed:
		d = e.cfg.InitialDelay
	case RetryLinear:
		d = e.cfg.InitialDelay * time.Duration(attempt)
	case RetryExponential:
		d = e.cfg.InitialDelay << uint(attempt-1)
	default:
		d = e.cfg.InitialDelay
	}
	if e.cfg.MaxDelay > 0 && d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

// State returns the current breaker state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Name:         e.cfg.Name,
		State:        string(e.state),
		Total:        e.total,
		Successes:    e.successes,
		Failures:     e.failCount,
		Trips:        e.trips,
		AvgLatencyMS: e.ewmaLatency,
		LastError:    e.lastError,
	}
	if e.state == StateOpen {
		s.NextAttemptAt = e.nextAttemptAt.UTC().Format(time.RFC3339)
	}
	return s
}
