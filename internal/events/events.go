// Package events implements the append-only domain event log.
//
// Every value-bearing action in the hub leaves an event here. Events are
// durable before their id is returned, enriched server-side with timestamp
// and source, and PII-masked before persistence. Ordering is strictly
// per-user by created_at; no cross-user guarantees.
package events

import (
	"context"
	"time"
)

// Domain event types emitted by the hub.
const (
	TypeUserRegistered      = "UserRegistered"
	TypeLoginSucceeded      = "LoginSucceeded"
	TypeLoginFailed         = "LoginFailed"
	TypeEnergyConsumed      = "EnergyConsumed"
	TypeEnergyRefunded      = "EnergyRefunded"
	TypeEnergyPurchased     = "EnergyPurchased"
	TypeActionPerformed     = "ActionPerformed"
	TypeAIResponseGenerated = "AIResponseGenerated"
	TypeAIResponseFailed    = "AIResponseFailed"
	TypeAlertTriggered      = "AlertTriggered"
	TypeDataProcessed       = "DataProcessed"
)

// Event is one immutable entry in the log.
type Event struct {
	ID          string                 `json:"event_id"`
	Type        string                 `json:"type"`
	ActorUserID string                 `json:"actor_user_id"`
	Payload     map[string]interface{} `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Query bounds a read of a user's events.
type Query struct {
	Since  time.Time
	Until  time.Time
	Types  []string
	Limit  int
	Offset int
}

// Sink is the write side. Components that only emit events depend on this
// interface, which breaks the orchestrator -> gate -> events -> context
// dependency cycle.
type Sink interface {
	Create(ctx context.Context, eventType, actorUserID string, payload, metadata map[string]interface{}) (string, error)
}

// Source is the read side, consumed by the narrative context builder.
type Source interface {
	GetUserEvents(ctx context.Context, userID string, q Query) ([]Event, error)
}
