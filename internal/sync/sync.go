// Package sync keeps the Redis energy cache coherent with PostgreSQL.
//
// PostgreSQL is the source of truth for every balance; Redis is what the hot
// path reads. The cache entries carry short TTLs so drift self-heals, but a
// cold cache after deploy or a Redis flush would send every read to the
// database at once. This package warms the cache at startup, re-warms
// recently changed rows on a timer, and can audit a sample of users for
// disagreement between the two stores.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/careerpulse/hub/internal/cache"
	"github.com/careerpulse/hub/internal/energy"
)

const pipelineBatch = 1000

// Syncer warms and audits the energy cache.
type Syncer struct {
	redis  *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewSyncer creates the syncer. The raw Redis client is used instead of the
// cache tier so warm-up can pipeline thousands of writes in one round trip.
func NewSyncer(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		db:     db,
		log:    logger.With().Str("component", "sync").Logger(),
		stopCh: make(chan struct{}),
	}
}

// WarmEnergyCache loads every energy row into Redis. Called once at startup
// before the server accepts traffic; failure is non-fatal since the ledger
// falls back to the database on cache misses.
func (s *Syncer) WarmEnergyCache(ctx context.Context) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, current_energy, max_energy, total_purchased,
		       total_consumed, subscription_type, updated_at
		FROM user_energy
		ORDER BY user_id
	`)
	if err != nil {
		return fmt.Errorf("query user_energy: %w", err)
	}
	defer rows.Close()

	ttl := cache.TTLFor(cache.NSEnergy, 0)
	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			s.log.Error().Err(err).Msg("energy row scan failed")
			continue
		}
		raw, err := json.Marshal(b)
		if err != nil {
			continue
		}
		pipe.Set(ctx, cache.NSEnergy+":"+b.UserID, raw, ttl)
		count++

		if count%pipelineBatch == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec at %d rows: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration: %w", err)
	}

	s.log.Info().Int("users", count).Dur("duration", time.Since(start)).Msg("energy cache warmed")
	return nil
}

// StartPeriodicSync re-warms rows changed recently so manual adjustments and
// webhook credits reach the cache without waiting for TTL expiry.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("starting periodic energy sync")

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.syncRecentlyUpdated(ctx, interval*2); err != nil {
					s.log.Error().Err(err).Msg("periodic sync failed")
				}
				cancel()
			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

func (s *Syncer) syncRecentlyUpdated(ctx context.Context, window time.Duration) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, current_energy, max_energy, total_purchased,
		       total_consumed, subscription_type, updated_at
		FROM user_energy
		WHERE updated_at > $1
	`, start.Add(-window).UTC())
	if err != nil {
		return fmt.Errorf("query recent rows: %w", err)
	}
	defer rows.Close()

	ttl := cache.TTLFor(cache.NSEnergy, 0)
	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			continue
		}
		raw, err := json.Marshal(b)
		if err != nil {
			continue
		}
		pipe.Set(ctx, cache.NSEnergy+":"+b.UserID, raw, ttl)
		count++
	}
	if count > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec: %w", err)
		}
	}

	s.log.Debug().Int("synced", count).Dur("duration", time.Since(start)).Msg("incremental sync complete")
	return nil
}

// SyncUser refreshes one user's cached balance from the database. Called
// on demand when an integrity check flags a mismatch.
func (s *Syncer) SyncUser(ctx context.Context, userID string) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_energy, max_energy, total_purchased,
		       total_consumed, subscription_type, updated_at
		FROM user_energy
		WHERE user_id = $1
	`, userID)

	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user not found: %s", userID)
	}
	if err != nil {
		return fmt.Errorf("query user: %w", err)
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, cache.NSEnergy+":"+userID, raw, cache.TTLFor(cache.NSEnergy, 0)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	s.log.Info().Str("user_id", userID).Float64("balance", b.CurrentEnergy).Msg("user balance synced")
	return nil
}

// VerifyIntegrity samples users and compares the cached balance against the
// database, re-syncing any mismatch. Returns the number of discrepancies.
// A cache miss is not a discrepancy; entries expire by design.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, current_energy, max_energy, total_purchased,
		       total_consumed, subscription_type, updated_at
		FROM user_energy
		ORDER BY RANDOM()
		LIMIT $1
	`, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("sample query: %w", err)
	}
	defer rows.Close()

	discrepancies := 0
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			continue
		}

		raw, err := s.redis.Get(ctx, cache.NSEnergy+":"+b.UserID).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}

		var cached energy.Balance
		if err := json.Unmarshal(raw, &cached); err != nil {
			discrepancies++
			_ = s.SyncUser(ctx, b.UserID)
			continue
		}
		if cached.CurrentEnergy != b.CurrentEnergy {
			s.log.Warn().
				Str("user_id", b.UserID).
				Float64("cached", cached.CurrentEnergy).
				Float64("database", b.CurrentEnergy).
				Msg("balance mismatch detected")
			discrepancies++
			if err := s.SyncUser(ctx, b.UserID); err != nil {
				s.log.Error().Err(err).Str("user_id", b.UserID).Msg("resync failed")
			}
		}
	}

	return discrepancies, rows.Err()
}

// Stop halts the periodic sync goroutine.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBalance(r rowScanner) (*energy.Balance, error) {
	var b energy.Balance
	err := r.Scan(&b.UserID, &b.CurrentEnergy, &b.MaxEnergy, &b.TotalPurchased,
		&b.TotalConsumed, &b.SubscriptionType, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
