// Package narrative derives the per-user Context Packet that conditions AI
// responses.
//
// The packet is a disposable cache over the event stream: three layers (an
// in-process LRU, the shared cache tier, and a fold over the last 30 days
// of events) keep the p99 read path away from the database. Aggregation is
// pure functions over the event slice so it can be tested without IO.
package narrative

import "time"

// Packet is the aggregated user context.
type Packet struct {
	UserID      string           `json:"user_id"`
	User        UserSummary      `json:"user"`
	Usage       UsageStats       `json:"usage"`
	Progress    []MetricProgress `json:"progress"`
	Sentiment   Sentiment        `json:"sentiment"`
	Confidence  float64          `json:"confidence"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// UserSummary describes who the packet is about.
type UserSummary struct {
	AccountAgeDays int    `json:"account_age_days"`
	Plan           string `json:"plan"`
}

// UsageStats summarize recent activity.
type UsageStats struct {
	SessionsLast7Days int            `json:"sessions_last_7_days"`
	AppMix            []string       `json:"app_mix"`
	ActionCounts      map[string]int `json:"action_counts"`
	LastActiveAt      time.Time      `json:"last_active_at"`
}

// Trend labels for a tracked metric, derived from its 7-day delta.
type Trend string

const (
	TrendBreakthrough Trend = "breakthrough"
	TrendRising       Trend = "rising"
	TrendStable       Trend = "stable"
	TrendDeclining    Trend = "declining"
	TrendStagnant     Trend = "stagnant"
)

// MetricProgress tracks one metric's movement.
type MetricProgress struct {
	Metric   string  `json:"metric"`
	Latest   float64 `json:"latest"`
	Previous float64 `json:"previous"`
	Delta1D  float64 `json:"delta_1d"`
	Delta7D  float64 `json:"delta_7d"`
	Delta30D float64 `json:"delta_30d"`
	Trend    Trend   `json:"trend"`
}

// Sentiment categories inferred from recent user-authored text.
type SentimentCategory string

const (
	SentimentMotivated SentimentCategory = "motivated"
	SentimentAnxious   SentimentCategory = "anxious"
	SentimentFactual   SentimentCategory = "factual"
	SentimentCurious   SentimentCategory = "curious"
	SentimentNeutral   SentimentCategory = "neutral"
)

// EnergyLevel accompanies the sentiment category.
type EnergyLevel string

const (
	EnergyHigh   EnergyLevel = "high"
	EnergyMedium EnergyLevel = "medium"
	EnergyLow    EnergyLevel = "low"
)

// Sentiment is the inferred emotional phase.
type Sentiment struct {
	Category SentimentCategory `json:"category"`
	Energy   EnergyLevel       `json:"energy"`
}

// EmptyPacket is what downstream failures produce: safe defaults and a
// confidence low enough that prompt assembly ignores it.
func EmptyPacket(userID string, now time.Time) *Packet {
	return &Packet{
		UserID:      userID,
		User:        UserSummary{Plan: "standard"},
		Usage:       UsageStats{ActionCounts: map[string]int{}},
		Sentiment:   Sentiment{Category: SentimentNeutral, Energy: EnergyMedium},
		Confidence:  0.1,
		GeneratedAt: now,
	}
}
