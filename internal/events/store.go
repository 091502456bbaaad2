package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	maxPageSize       = 1000
	defaultReadWindow = 30 * 24 * time.Hour
)

// DefaultPIIKeys are the payload keys masked before persistence.
var DefaultPIIKeys = []string{"email", "name", "phone", "address", "password", "full_name"}

// Store is the PostgreSQL-backed event log.
type Store struct {
	db      *sql.DB
	piiKeys map[string]struct{}
	source  string
	log     zerolog.Logger
	now     func() time.Time
}

var _ Sink = (*Store)(nil)
var _ Source = (*Store)(nil)

// NewStore creates the store. piiKeys nil means DefaultPIIKeys.
func NewStore(db *sql.DB, source string, piiKeys []string, logger zerolog.Logger) *Store {
	if piiKeys == nil {
		piiKeys = DefaultPIIKeys
	}
	set := make(map[string]struct{}, len(piiKeys))
	for _, k := range piiKeys {
		set[k] = struct{}{}
	}
	return &Store{
		db:      db,
		piiKeys: set,
		source:  source,
		log:     logger.With().Str("component", "events").Logger(),
		now:     time.Now,
	}
}

// Create appends an event. The write is durable before the id returns.
// Metadata is enriched with the server timestamp and source; payload PII is
// masked according to the configured key set.
func (s *Store) Create(ctx context.Context, eventType, actorUserID string, payload, metadata map[string]interface{}) (string, error) {
	if eventType == "" {
		return "", fmt.Errorf("event type is required")
	}

	id := uuid.New().String()
	now := s.now().UTC()

	masked := MaskPII(payload, s.piiKeys)

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["recorded_at"] = now.Format(time.RFC3339Nano)
	metadata["source"] = s.source

	payloadJSON, err := json.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, type, actor_user_id, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, eventType, actorUserID, payloadJSON, metadataJSON, now)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}

	s.log.Debug().
		Str("event_id", id).
		Str("type", eventType).
		Str("actor", actorUserID).
		Msg("event appended")

	return id, nil
}

// GetUserEvents returns a user's events ascending by created_at. Zero query
// bounds default to the last 30 days; page size is capped at 1000 rows.
func (s *Store) GetUserEvents(ctx context.Context, userID string, q Query) ([]Event, error) {
	now := s.now().UTC()
	if q.Until.IsZero() {
		q.Until = now
	}
	if q.Since.IsZero() {
		q.Since = q.Until.Add(-defaultReadWindow)
	}
	if q.Limit <= 0 || q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}

	query := `
		SELECT event_id, type, actor_user_id, payload, metadata, created_at
		FROM events
		WHERE actor_user_id = $1 AND created_at >= $2 AND created_at <= $3
	`
	args := []interface{}{userID, q.Since.UTC(), q.Until.UTC()}

	if len(q.Types) > 0 {
		query += ` AND type = ANY($4)`
		args = append(args, pq.Array(q.Types))
	}

	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT %d OFFSET %d", q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                        Event
			payloadJSON, metadataJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ActorUserID, &payloadJSON, &metadataJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("payload unmarshal failed")
			}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("metadata unmarshal failed")
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MaskPII replaces configured keys with "<first-2-chars>***". Nested maps
// are masked recursively; the input is not mutated.
func MaskPII(payload map[string]interface{}, piiKeys map[string]struct{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if _, pii := piiKeys[k]; pii {
			out[k] = maskValue(v)
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = MaskPII(nested, piiKeys)
			continue
		}
		out[k] = v
	}
	return out
}

func maskValue(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return "***"
	}
	if len(s) <= 2 {
		return s + "***"
	}
	return s[:2] + "***"
}
