// Package ratelimit enforces per-scope request limits.
//
// Each check is a single atomic Lua script evaluated server-side in Redis,
// so concurrent requests can never race past a limit. When Redis is
// unavailable the limiter falls back to a conservative in-process limiter
// (80% of the configured rate) and records the degradation.
//
// Failure contract: Check never returns an error. If neither Redis nor the
// local fallback can evaluate, scopes with critical priority report Blocked
// and everything else reports Allowed.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/metrics"
)

// Status of a rate-limit decision.
type Status string

const (
	Allowed Status = "allowed"
	Limited Status = "limited"
	Blocked Status = "blocked"
)

// Decision is the outcome of one check.
type Decision struct {
	Status       Status
	Remaining    int64
	ResetAt      time.Time
	BlockedUntil time.Time
	RetryAfter   time.Duration
}

// Limiter evaluates rules against Redis with a local fallback.
type Limiter struct {
	rules    map[string]Rule
	redis    *redis.Client
	db       *sql.DB
	local    *localLimiter
	scripts  map[Algorithm]*redis.Script
	log      zerolog.Logger
	registry *metrics.Registry
	cron     *cron.Cron

	now func() time.Time
}

// New creates the limiter. rdb and db may be nil (tests, degraded mode);
// without Redis every check goes through the local fallback.
func New(rules map[string]Rule, rdb *redis.Client, db *sql.DB, registry *metrics.Registry, logger zerolog.Logger) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	l := &Limiter{
		rules:    rules,
		redis:    rdb,
		db:       db,
		local:    newLocalLimiter(rules),
		log:      logger.With().Str("component", "ratelimit").Logger(),
		registry: registry,
		now:      time.Now,
	}
	l.loadScripts()
	return l
}

// StartSweeper schedules periodic cleanup of expired block rows.
func (l *Limiter) StartSweeper() {
	if l.db == nil {
		return
	}
	l.cron = cron.New()
	l.cron.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := l.db.ExecContext(ctx, `DELETE FROM rate_limit_blocks WHERE blocked_until < NOW()`)
		if err != nil {
			l.log.Warn().Err(err).Msg("block sweep failed")
			return
		}
		if n, _ := res.RowsAffected(); n > 0 {
			l.log.Debug().Int64("removed", n).Msg("expired blocks swept")
		}
	})
	l.cron.Start()
}

// Stop halts the sweeper.
func (l *Limiter) Stop() {
	if l.cron != nil {
		l.cron.Stop()
	}
}

// IsBlocked reports whether identifier is currently blocked in scope,
// without counting an attempt. Used by auth to reject requests during a
// block regardless of credential validity.
func (l *Limiter) IsBlocked(ctx context.Context, identifier, scope string) (bool, time.Time) {
	rule, ok := l.rules[scope]
	if !ok || !rule.Enabled {
		return false, time.Time{}
	}

	if l.redis != nil {
		blockKey := fmt.Sprintf("ratelimit:block:%s:%s", scope, identifier)
		ms, err := l.redis.Get(ctx, blockKey).Int64()
		if err == nil {
			until := time.UnixMilli(ms)
			if until.After(l.now()) {
				return true, until
			}
			return false, time.Time{}
		}
		if err == redis.Nil {
			return false, time.Time{}
		}
		l.log.Warn().Err(err).Str("scope", scope).Msg("block probe failed, consulting local state")
	}

	return l.local.isBlocked(rule, identifier, l.now())
}

// Rules returns the configured rule set, keyed by scope.
func (l *Limiter) Rules() map[string]Rule {
	out := make(map[string]Rule, len(l.rules))
	for k, v := range l.rules {
		out[k] = v
	}
	return out
}

// Check evaluates the rule for scope against identifier.
func (l *Limiter) Check(ctx context.Context, identifier, scope string) Decision {
	rule, ok := l.rules[scope]
	if !ok || !rule.Enabled {
		return Decision{Status: Allowed, Remaining: -1}
	}

	if l.redis != nil {
		decision, err := l.checkRedis(ctx, rule, identifier)
		if err == nil {
			l.record(scope, decision.Status, false)
			if decision.Status == Limited {
				l.persistBlock(identifier, scope, decision.BlockedUntil)
			}
			return decision
		}
		l.log.Warn().Err(err).Str("scope", scope).Msg("redis check failed, using local fallback")
	}

	decision, ok := l.local.check(rule, identifier, l.now())
	if !ok {
		// Neither store could evaluate. Bounded fail-open.
		if rule.Priority == PriorityCritical {
			l.record(scope, Blocked, true)
			return Decision{Status: Blocked, BlockedUntil: l.now().Add(rule.BlockDuration), RetryAfter: rule.BlockDuration}
		}
		l.record(scope, Allowed, true)
		return Decision{Status: Allowed, Remaining: -1}
	}

	l.record(scope, decision.Status, true)
	return decision
}

func (l *Limiter) record(scope string, status Status, fallback bool) {
	if l.registry == nil {
		return
	}
	l.registry.IncrCounter("ratelimit.checks", 1, map[string]string{"scope": scope, "status": string(status)})
	if fallback {
		l.registry.IncrCounter("ratelimit.fallback_use", 1, map[string]string{"scope": scope})
	}
}

// persistBlock mirrors a fresh block into PostgreSQL so operators can audit
// who is blocked and the sweeper can expire records. Best effort.
func (l *Limiter) persistBlock(identifier, scope string, blockedUntil time.Time) {
	if l.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO rate_limit_blocks (id, identifier, scope, blocked_until, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, uuid.New().String(), identifier, scope, blockedUntil.UTC())
		if err != nil {
			l.log.Warn().Err(err).Str("scope", scope).Msg("block persist failed")
		}
	}()
}

func (l *Limiter) checkRedis(ctx context.Context, rule Rule, identifier string) (Decision, error) {
	script, ok := l.scripts[rule.Algorithm]
	if !ok {
		return Decision{}, fmt.Errorf("no script for algorithm %s", rule.Algorithm)
	}

	nowMS := l.now().UnixMilli()
	windowMS := rule.Window.Milliseconds()
	blockSec := int64(rule.BlockDuration.Seconds())
	capacity := rule.Requests
	if rule.Burst > 0 {
		capacity = rule.Burst
	}

	stateKey := fmt.Sprintf("ratelimit:%s:%s", rule.Scope, identifier)
	blockKey := fmt.Sprintf("ratelimit:block:%s:%s", rule.Scope, identifier)
	keys := []string{stateKey, blockKey}

	args := []interface{}{
		nowMS,
		windowMS,
		rule.Requests,
		blockSec,
		capacity,
		uuid.New().String(), // unique member for sliding-window sets
	}

	raw, err := script.Run(ctx, l.redis, keys, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("lua script execution failed: %w", err)
	}

	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected script result %v", raw)
	}

	status := arr[0].(int64)
	remaining := arr[1].(int64)
	tsMS := arr[2].(int64)

	switch status {
	case 0:
		return Decision{Status: Allowed, Remaining: remaining, ResetAt: time.UnixMilli(tsMS)}, nil
	case 1:
		until := time.UnixMilli(tsMS)
		return Decision{Status: Limited, BlockedUntil: until, RetryAfter: until.Sub(l.now())}, nil
	default:
		until := time.UnixMilli(tsMS)
		return Decision{Status: Blocked, BlockedUntil: until, RetryAfter: until.Sub(l.now())}, nil
	}
}

// loadScripts compiles the per-algorithm Lua scripts once at construction.
//
// Script protocol, shared by all four:
//
//	KEYS[1] state key, KEYS[2] block key
//	ARGV: now_ms, window_ms, limit, block_sec, capacity, member
//	returns {status, remaining, ts_ms}
//	status 0=allowed (ts=reset), 1=limited just now (ts=blocked_until),
//	2=already blocked (ts=blocked_until)
func (l *Limiter) loadScripts() {
	l.scripts = map[Algorithm]*redis.Script{}

	blockPreamble := `
local now = tonumber(ARGV[1])
local blocked_until = tonumber(redis.call('GET', KEYS[2]) or '0')
if blocked_until > now then
    return {2, 0, blocked_until}
end
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local block_sec = tonumber(ARGV[4])
`

	blockEpilogue := `
local bu = now + block_sec * 1000
redis.call('SET', KEYS[2], bu, 'EX', block_sec)
return {1, 0, bu}
`

	l.scripts[AlgoFixedWindow] = redis.NewScript(blockPreamble + `
local bucket = math.floor(now / window_ms)
local counter_key = KEYS[1] .. ':' .. bucket
local count = redis.call('INCR', counter_key)
if count == 1 then
    redis.call('PEXPIRE', counter_key, window_ms)
end
if count > limit then
` + blockEpilogue + `
end
return {0, limit - count, (bucket + 1) * window_ms}
`)

	l.scripts[AlgoSlidingWindow] = redis.NewScript(blockPreamble + `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window_ms)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
` + blockEpilogue + `
end
redis.call('ZADD', KEYS[1], now, ARGV[6])
redis.call('PEXPIRE', KEYS[1], window_ms)
return {0, limit - count - 1, now + window_ms}
`)

	l.scripts[AlgoTokenBucket] = redis.NewScript(blockPreamble + `
local capacity = tonumber(ARGV[5])
local rate = limit / window_ms
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + (now - last) * rate)
if tokens < 1 then
` + blockEpilogue + `
end
tokens = tokens - 1
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', KEYS[1], window_ms * 2)
local reset = now + math.ceil((capacity - tokens) / rate)
return {0, math.floor(tokens), reset}
`)

	l.scripts[AlgoLeakyBucket] = redis.NewScript(blockPreamble + `
local capacity = tonumber(ARGV[5])
local drain = limit / window_ms
local state = redis.call('HMGET', KEYS[1], 'level', 'last_leak')
local level = tonumber(state[1]) or 0
local last = tonumber(state[2]) or now
level = math.max(0, level - (now - last) * drain)
if level + 1 > capacity then
` + blockEpilogue + `
end
level = level + 1
redis.call('HMSET', KEYS[1], 'level', level, 'last_leak', now)
redis.call('PEXPIRE', KEYS[1], window_ms * 2)
local reset = now + math.ceil(level / drain)
return {0, math.floor(capacity - level), reset}
`)
}
