// Package keys tracks the age and rotation state of third-party credentials.
//
// Secrets are read from the environment and never persisted or logged; only
// a SHA-256 prefix (16 hex chars) is retained as a key identifier. A change
// in the observed hash is recorded as a rotation.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Health of a provider credential.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarn     Health = "warn"
	HealthCritical Health = "critical"
	HealthMissing  Health = "missing"
	HealthRevoked  Health = "revoked"
)

// Thresholds configure per-provider rotation policy.
type Thresholds struct {
	WarnDays   int
	RotateDays int
}

// DefaultThresholds is used when a provider registers without a policy.
var DefaultThresholds = Thresholds{WarnDays: 14, RotateDays: 90}

// Info is the tracked metadata for one provider credential.
type Info struct {
	Provider      string    `json:"provider"`
	KeyID         string    `json:"key_id"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	RotationCount int       `json:"rotation_count"`
	LastUsedAt    time.Time `json:"last_used_at"`
	Active        bool      `json:"active"`
	Thresholds    Thresholds `json:"-"`
}

// Manager holds credentials for all configured providers.
type Manager struct {
	mu      sync.RWMutex
	secrets map[string]string
	infos   map[string]*Info
	log     zerolog.Logger
	now     func() time.Time
}

// NewManager creates an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		secrets: make(map[string]string),
		infos:   make(map[string]*Info),
		log:     logger.With().Str("component", "keys").Logger(),
		now:     time.Now,
	}
}

// keyID derives the stable identifier for a secret: the first 16 hex chars
// of its SHA-256.
func keyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:16]
}

// Register observes the current secret for a provider. Called at startup
// and whenever configuration is reloaded. A changed hash counts as a
// rotation; an empty secret marks the provider missing.
func (m *Manager) Register(provider, secret string, thresholds Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if thresholds.RotateDays == 0 {
		thresholds = DefaultThresholds
	}

	info, exists := m.infos[provider]
	if secret == "" {
		if !exists {
			m.infos[provider] = &Info{Provider: provider, Thresholds: thresholds}
		}
		delete(m.secrets, provider)
		m.log.Warn().Str("provider", provider).Msg("no credential configured")
		return
	}

	id := keyID(secret)
	now := m.now()

	if !exists {
		m.infos[provider] = &Info{
			Provider:    provider,
			KeyID:       id,
			FirstSeenAt: now,
			Active:      true,
			Thresholds:  thresholds,
		}
		m.secrets[provider] = secret
		m.log.Info().Str("provider", provider).Str("key_id", id).Msg("credential registered")
		return
	}

	if info.KeyID != id {
		info.KeyID = id
		info.FirstSeenAt = now
		info.RotationCount++
		info.Active = true
		m.log.Info().
			Str("provider", provider).
			Str("key_id", id).
			Int("rotation_count", info.RotationCount).
			Msg("credential rotation observed")
	}
	m.secrets[provider] = secret
}

// Get returns the secret and its metadata, recording the use.
func (m *Manager) Get(provider string) (string, Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	secret, ok := m.secrets[provider]
	info := m.infos[provider]
	if !ok || info == nil || !info.Active {
		return "", Info{}, fmt.Errorf("no active credential for provider %s", provider)
	}
	info.LastUsedAt = m.now()
	return secret, *info, nil
}

// Revoke deactivates a provider credential.
func (m *Manager) Revoke(provider, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.infos[provider]; ok {
		info.Active = false
		delete(m.secrets, provider)
		m.log.Warn().Str("provider", provider).Str("reason", reason).Msg("credential revoked")
	}
}

// Status reports per-provider health based on key age against thresholds.
func (m *Manager) Status() map[string]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Health, len(m.infos))
	now := m.now()

	for provider, info := range m.infos {
		if _, ok := m.secrets[provider]; !ok {
			if info.KeyID != "" && !info.Active {
				out[provider] = HealthRevoked
			} else {
				out[provider] = HealthMissing
			}
			continue
		}

		ageDays := int(now.Sub(info.FirstSeenAt).Hours() / 24)
		switch {
		case ageDays >= info.Thresholds.RotateDays:
			out[provider] = HealthCritical
		case ageDays >= info.Thresholds.RotateDays-info.Thresholds.WarnDays:
			out[provider] = HealthWarn
		default:
			out[provider] = HealthHealthy
		}
	}
	return out
}

// Infos returns metadata for the monitoring surface (no secrets).
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.infos))
	for _, info := range m.infos {
		out = append(out, *info)
	}
	return out
}
