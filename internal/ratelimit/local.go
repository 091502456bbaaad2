package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// conservativeFactor shrinks limits while on the fallback path. A process
// that lost Redis cannot see traffic admitted by its peers, so it must
// assume the rest of the fleet is consuming part of every budget.
const conservativeFactor = 0.8

// localLimiter enforces rules in-process when Redis is unavailable.
//
// All algorithms degrade to a token bucket here: x/time's limiter gives the
// same admit/deny shape, and the fallback's job is conservative enforcement,
// not byte-exact parity with the Lua scripts.
type localLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

const localEntryIdle = 30 * time.Minute

func newLocalLimiter(rules map[string]Rule) *localLimiter {
	return &localLimiter{entries: make(map[string]*localEntry)}
}

// check evaluates the rule locally. The second return is false only when the
// rule itself cannot be expressed (zero window), which the caller maps to
// the bounded fail-open/fail-closed policy.
func (l *localLimiter) check(rule Rule, identifier string, now time.Time) (Decision, bool) {
	if rule.Window <= 0 || rule.Requests <= 0 {
		return Decision{}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := rule.Scope + ":" + identifier
	entry, ok := l.entries[key]
	if !ok {
		perSecond := conservativeFactor * float64(rule.Requests) / rule.Window.Seconds()
		burst := int(float64(rule.Requests) * conservativeFactor)
		if rule.Burst > 0 {
			burst = int(float64(rule.Burst) * conservativeFactor)
		}
		if burst < 1 {
			burst = 1
		}
		entry = &localEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.entries[key] = entry
		l.evictIdleLocked(now)
	}
	entry.lastSeen = now

	if now.Before(entry.blockedUntil) {
		return Decision{
			Status:       Blocked,
			BlockedUntil: entry.blockedUntil,
			RetryAfter:   entry.blockedUntil.Sub(now),
		}, true
	}

	if entry.limiter.AllowN(now, 1) {
		return Decision{
			Status:    Allowed,
			Remaining: int64(entry.limiter.TokensAt(now)),
			ResetAt:   now.Add(rule.Window),
		}, true
	}

	entry.blockedUntil = now.Add(rule.BlockDuration)
	return Decision{
		Status:       Limited,
		BlockedUntil: entry.blockedUntil,
		RetryAfter:   rule.BlockDuration,
	}, true
}

// isBlocked checks local block state without consuming a token.
func (l *localLimiter) isBlocked(rule Rule, identifier string, now time.Time) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[rule.Scope+":"+identifier]
	if !ok || now.After(entry.blockedUntil) {
		return false, time.Time{}
	}
	return true, entry.blockedUntil
}

// evictIdleLocked drops entries not seen recently so an IP scan cannot grow
// the map without bound.
func (l *localLimiter) evictIdleLocked(now time.Time) {
	if len(l.entries) < 50000 {
		return
	}
	for key, entry := range l.entries {
		if now.Sub(entry.lastSeen) > localEntryIdle {
			delete(l.entries, key)
		}
	}
}
