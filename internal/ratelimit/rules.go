package ratelimit

import "time"

// Algorithm selects how a rule counts requests.
type Algorithm string

const (
	AlgoFixedWindow   Algorithm = "fixed_window"
	AlgoSlidingWindow Algorithm = "sliding_window"
	AlgoTokenBucket   Algorithm = "token_bucket"
	AlgoLeakyBucket   Algorithm = "leaky_bucket"
)

// Priority controls failure behavior: critical scopes fail closed when the
// limiter cannot evaluate, everything else fails open.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// Rule is the compile-time configuration for one scope.
type Rule struct {
	Scope         string
	Algorithm     Algorithm
	Requests      int64
	Window        time.Duration
	BlockDuration time.Duration
	Burst         int64
	Enabled       bool
	Priority      Priority
}

// Scope names used across the hub.
const (
	ScopeAuthLogin  = "auth.login"
	ScopeAPIGeneral = "api.general"
	ScopeAPIEnergy  = "api.energy"
	ScopeGlobalDDoS = "global.ddos"
	ScopeIPGeneral  = "ip.general"
)

// DefaultRules is the rule set the hub ships with.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ScopeAuthLogin: {
			Scope:         ScopeAuthLogin,
			Algorithm:     AlgoFixedWindow,
			Requests:      5,
			Window:        time.Minute,
			BlockDuration: 5 * time.Minute,
			Enabled:       true,
			Priority:      PriorityCritical,
		},
		ScopeAPIGeneral: {
			Scope:         ScopeAPIGeneral,
			Algorithm:     AlgoSlidingWindow,
			Requests:      120,
			Window:        time.Minute,
			BlockDuration: time.Minute,
			Enabled:       true,
			Priority:      PriorityNormal,
		},
		ScopeAPIEnergy: {
			Scope:         ScopeAPIEnergy,
			Algorithm:     AlgoTokenBucket,
			Requests:      60,
			Window:        time.Minute,
			Burst:         10,
			BlockDuration: 30 * time.Second,
			Enabled:       true,
			Priority:      PriorityNormal,
		},
		ScopeGlobalDDoS: {
			Scope:         ScopeGlobalDDoS,
			Algorithm:     AlgoFixedWindow,
			Requests:      5000,
			Window:        time.Minute,
			BlockDuration: 10 * time.Minute,
			Enabled:       true,
			Priority:      PriorityCritical,
		},
		ScopeIPGeneral: {
			Scope:         ScopeIPGeneral,
			Algorithm:     AlgoLeakyBucket,
			Requests:      300,
			Window:        time.Minute,
			BlockDuration: 2 * time.Minute,
			Enabled:       true,
			Priority:      PriorityNormal,
		},
	}
}
