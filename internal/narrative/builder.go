package narrative

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/cache"
	"github.com/careerpulse/hub/internal/events"
)

const (
	packetTTL        = 15 * time.Minute
	localCacheSize   = 100
	eventLookback    = 30 * 24 * time.Hour
)

// UserInfo is the minimal user data the builder needs; implemented by the
// auth store so this package has no dependency on it.
type UserInfo interface {
	UserCreatedAt(ctx context.Context, userID string) (time.Time, error)
	UserPlan(ctx context.Context, userID string) (string, error)
}

// Builder produces Context Packets with three-layer caching.
type Builder struct {
	source events.Source
	users  UserInfo
	tier   *cache.Tier
	local  *expirable.LRU[string, *Packet]
	log    zerolog.Logger
	now    func() time.Time
}

// NewBuilder creates the builder.
func NewBuilder(source events.Source, users UserInfo, tier *cache.Tier, logger zerolog.Logger) *Builder {
	return &Builder{
		source: source,
		users:  users,
		tier:   tier,
		local:  expirable.NewLRU[string, *Packet](localCacheSize, nil, packetTTL),
		log:    logger.With().Str("component", "narrative").Logger(),
		now:    time.Now,
	}
}

// Build returns the packet for a user.
//
// Failure contract: never returns an error. Any downstream failure yields
// an empty packet with confidence 0.1, which prompt assembly treats as
// "no context available".
func (b *Builder) Build(ctx context.Context, userID string) *Packet {
	if p, ok := b.local.Get(userID); ok {
		return p
	}

	if raw, ok := b.tier.Get(ctx, cache.NSContext, userID); ok {
		var p Packet
		if err := json.Unmarshal(raw, &p); err == nil {
			b.local.Add(userID, &p)
			return &p
		}
	}

	p := b.derive(ctx, userID)

	if raw, err := json.Marshal(p); err == nil {
		b.tier.Set(ctx, cache.NSContext, userID, raw, packetTTL)
	}
	b.local.Add(userID, p)
	return p
}

// Invalidate drops both cache layers for a user, typically after a burst of
// new events makes the packet stale.
func (b *Builder) Invalidate(ctx context.Context, userID string) {
	b.local.Remove(userID)
	b.tier.Delete(ctx, cache.NSContext, userID)
}

func (b *Builder) derive(ctx context.Context, userID string) *Packet {
	now := b.now().UTC()

	evs, err := b.source.GetUserEvents(ctx, userID, events.Query{
		Since: now.Add(-eventLookback),
		Until: now,
	})
	if err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("event fetch failed, returning empty packet")
		return EmptyPacket(userID, now)
	}

	usage := foldUsage(evs, now)
	progress := foldProgress(evs, now)
	sentiment := foldSentiment(evs)

	summary := UserSummary{Plan: "standard"}
	if createdAt, err := b.users.UserCreatedAt(ctx, userID); err == nil {
		summary.AccountAgeDays = int(now.Sub(createdAt).Hours() / 24)
	}
	if plan, err := b.users.UserPlan(ctx, userID); err == nil && plan != "" {
		summary.Plan = plan
	}

	return &Packet{
		UserID:      userID,
		User:        summary,
		Usage:       usage,
		Progress:    progress,
		Sentiment:   sentiment,
		Confidence:  confidence(len(evs), usage.LastActiveAt, now),
		GeneratedAt: now,
	}
}
