// Package auth implements identity, sessions and token issuance.
//
// Access tokens are short-lived HMAC-SHA256 JWTs. Refresh tokens are opaque
// random values stored hashed; each refresh rotates the session row and
// revokes its predecessor. Replaying a revoked refresh token is treated as
// a breach signal: the whole token family is revoked and the user must log
// in again.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/careerpulse/hub/internal/energy"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/hub"
	"github.com/careerpulse/hub/internal/pool"
	"github.com/careerpulse/hub/internal/ratelimit"
)

const (
	audience        = "careerpulse"
	refreshTokenTTL = 30 * 24 * time.Hour
	uniqueViolation = "23505"
)

// User is the persisted identity.
type User struct {
	ID           string     `json:"user_id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"display_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Unlimited    bool       `json:"unlimited"`
	DeletedAt    *time.Time `json:"-"`
}

// TokenPair is what clients hold after registration, login or refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Config tunes the service.
type Config struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
	BcryptCost     int
}

// Service is the auth component.
type Service struct {
	db      *sql.DB
	exec    *pool.Executor
	sink    events.Sink
	limiter *ratelimit.Limiter
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

// NewService creates the auth service.
func NewService(db *sql.DB, exec *pool.Executor, sink events.Sink, limiter *ratelimit.Limiter, cfg Config, logger zerolog.Logger) *Service {
	if cfg.AccessTokenTTL <= 0 || cfg.AccessTokenTTL > time.Hour {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.BcryptCost < 12 {
		cfg.BcryptCost = 12
	}
	return &Service{
		db:      db,
		exec:    exec,
		sink:    sink,
		limiter: limiter,
		cfg:     cfg,
		log:     logger.With().Str("component", "auth").Logger(),
		now:     time.Now,
	}
}

// Register creates a user with the default energy grant, emits
// UserRegistered, and returns a token pair.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, nil, hub.E(hub.KindValidation, "a valid email is required")
	}
	if len(password) < 8 {
		return nil, nil, hub.E(hub.KindValidation, "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, nil, hub.Wrap(hub.KindInternalUnavailable, "password hashing failed", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		CreatedAt:    s.now().UTC(),
	}

	err = s.exec.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "begin tx", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (user_id, email, password_hash, display_name, created_at, unlimited)
			VALUES ($1, $2, $3, $4, $5, FALSE)
		`, user.ID, user.Email, user.PasswordHash, user.DisplayName, user.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				return hub.E(hub.KindConflict, "email already registered")
			}
			return hub.Wrap(hub.KindUpstreamUnavailable, "insert user", err)
		}

		if err := energy.CreateAccount(ctx, tx, user.ID, user.CreatedAt); err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "create energy account", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, s.surface(err, "register")
	}

	s.emit(events.TypeUserRegistered, user.ID, map[string]interface{}{
		"email": user.Email,
		"name":  user.DisplayName,
	})
	_ = events.RecordProcessing(ctx, s.sink, user.ID, "identity", "account_creation", []string{"email", "password", "name"})

	pair, err := s.issueTokens(ctx, user.ID, "", "")
	if err != nil {
		return nil, nil, err
	}
	s.log.Info().Str("user_id", user.ID).Msg("user registered")
	return user, pair, nil
}

// Login verifies credentials. Failed attempts feed the auth.login rate
// scope for both the identity and the caller IP; an active block rejects
// the attempt before any credential check, so a correct password during a
// block still sees 429.
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (*User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	for _, id := range []string{email, clientIP} {
		if id == "" {
			continue
		}
		if blocked, until := s.limiter.IsBlocked(ctx, id, ratelimit.ScopeAuthLogin); blocked {
			return nil, nil, hub.E(hub.KindRateLimited, "too many login attempts").
				WithDetails(map[string]interface{}{"retry_after_seconds": int(time.Until(until).Seconds())})
		}
	}

	user, err := s.findUserByEmail(ctx, email)
	if err != nil && !hub.IsKind(err, hub.KindNotFound) {
		return nil, nil, err
	}

	// Hash comparison runs even for unknown emails so response timing does
	// not reveal which addresses exist.
	storedHash := "$2a$12$C6UzMDM.H6dfI/f/IKcEeO7ZfyVXrAG1C8x2XhuT0K0vFzJYxkW7W"
	if user != nil {
		storedHash = user.PasswordHash
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password))

	if user == nil || compareErr != nil {
		return nil, nil, s.loginFailed(ctx, email, clientIP)
	}

	pair, err := s.issueTokens(ctx, user.ID, "", clientIP)
	if err != nil {
		return nil, nil, err
	}

	s.emit(events.TypeLoginSucceeded, user.ID, map[string]interface{}{"ip": clientIP})
	s.log.Info().Str("user_id", user.ID).Msg("login succeeded")
	return user, pair, nil
}

func (s *Service) loginFailed(ctx context.Context, email, clientIP string) error {
	retryAfter := 0
	limited := false
	for _, id := range []string{email, clientIP} {
		if id == "" {
			continue
		}
		d := s.limiter.Check(ctx, id, ratelimit.ScopeAuthLogin)
		if d.Status != ratelimit.Allowed {
			limited = true
			if ra := int(d.RetryAfter.Seconds()); ra > retryAfter {
				retryAfter = ra
			}
		}
	}

	s.emit(events.TypeLoginFailed, "", map[string]interface{}{"email": email, "ip": clientIP})

	if limited {
		return hub.E(hub.KindRateLimited, "too many login attempts").
			WithDetails(map[string]interface{}{"retry_after_seconds": retryAfter})
	}
	return hub.E(hub.KindUnauthorized, "invalid email or password")
}

// Refresh rotates a refresh token. A revoked token replay revokes the
// entire family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tokenHash := hashToken(refreshToken)

	var (
		session struct {
			id       string
			userID   string
			familyID string
			expires  time.Time
			revoked  bool
		}
		pair *TokenPair
	)

	err := s.exec.Do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT session_id, user_id, family_id, expires_at, revoked
			FROM sessions WHERE refresh_token_hash = $1
		`, tokenHash)
		if err := row.Scan(&session.id, &session.userID, &session.familyID, &session.expires, &session.revoked); err != nil {
			if err == sql.ErrNoRows {
				return hub.E(hub.KindUnauthorized, "invalid refresh token")
			}
			return hub.Wrap(hub.KindUpstreamUnavailable, "session lookup", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "refresh")
	}

	if session.revoked {
		// Breach response: kill every session in the family.
		s.revokeFamily(ctx, session.familyID)
		s.log.Warn().Str("user_id", session.userID).Msg("revoked refresh token replayed, family revoked")
		return nil, hub.E(hub.KindUnauthorized, "refresh token reuse detected, please log in again")
	}
	if s.now().After(session.expires) {
		return nil, hub.E(hub.KindUnauthorized, "refresh token expired")
	}

	// The conditional update is the only writer that can spend a live
	// token, so two racing refreshes of the same token cannot both rotate.
	var rotated bool
	err = s.exec.Do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET revoked = TRUE WHERE session_id = $1 AND revoked = FALSE`, session.id)
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "revoke session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "revoke session", err)
		}
		rotated = n > 0
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "refresh")
	}
	if !rotated {
		// A concurrent refresh spent this token between the lookup and the
		// update. Same breach response as an observed replay.
		s.revokeFamily(ctx, session.familyID)
		s.log.Warn().Str("user_id", session.userID).Msg("refresh rotation lost to concurrent use, family revoked")
		return nil, hub.E(hub.KindUnauthorized, "refresh token reuse detected, please log in again")
	}

	pair, err = s.issueTokens(ctx, session.userID, session.familyID, "")
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// VerifyAccess validates a bearer token and returns the user id.
func (s *Service) VerifyAccess(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithAudience(audience), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", hub.E(hub.KindUnauthorized, "invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", hub.E(hub.KindUnauthorized, "invalid token claims")
	}
	if claims["type"] != "access" {
		return "", hub.E(hub.KindUnauthorized, "not an access token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", hub.E(hub.KindUnauthorized, "missing subject")
	}
	return sub, nil
}

// GetUser returns the user record by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT user_id, email, password_hash, COALESCE(display_name, ''), created_at, unlimited
			FROM users WHERE user_id = $1 AND deleted_at IS NULL
		`, userID)
		u, err := scanUser(row)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "get user")
	}
	return user, nil
}

// UserCreatedAt implements narrative.UserInfo.
func (s *Service) UserCreatedAt(ctx context.Context, userID string) (time.Time, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	return u.CreatedAt, nil
}

// UserPlan implements narrative.UserInfo.
func (s *Service) UserPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT subscription_type FROM user_energy WHERE user_id = $1
		`, userID).Scan(&plan)
	})
	if err != nil {
		return "", s.surface(err, "get plan")
	}
	return plan, nil
}

func (s *Service) findUserByEmail(ctx context.Context, email string) (*User, error) {
	var user *User
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			SELECT user_id, email, password_hash, COALESCE(display_name, ''), created_at, unlimited
			FROM users WHERE email = $1 AND deleted_at IS NULL
		`, email)
		u, err := scanUser(row)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "find user")
	}
	return user, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.CreatedAt, &u.Unlimited)
	if err == sql.ErrNoRows {
		return nil, hub.E(hub.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, hub.Wrap(hub.KindUpstreamUnavailable, "scan user", err)
	}
	return &u, nil
}

// issueTokens creates the access JWT and a fresh session row. familyID
// empty starts a new family (registration, login).
func (s *Service) issueTokens(ctx context.Context, userID, familyID, deviceFingerprint string) (*TokenPair, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.AccessTokenTTL)

	claims := jwt.MapClaims{
		"sub":  userID,
		"exp":  expiresAt.Unix(),
		"iat":  now.Unix(),
		"aud":  audience,
		"type": "access",
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, hub.Wrap(hub.KindInternalUnavailable, "token signing failed", err)
	}

	refresh, err := randomToken()
	if err != nil {
		return nil, hub.Wrap(hub.KindInternalUnavailable, "token generation failed", err)
	}

	if familyID == "" {
		familyID = uuid.New().String()
	}
	sessionID := uuid.New().String()

	err = s.exec.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, user_id, family_id, refresh_token_hash,
			                      device_fingerprint, issued_at, expires_at, revoked)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		`, sessionID, userID, familyID, hashToken(refresh), deviceFingerprint, now, now.Add(refreshTokenTTL))
		if err != nil {
			return hub.Wrap(hub.KindUpstreamUnavailable, "insert session", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.surface(err, "issue tokens")
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

func (s *Service) revokeFamily(ctx context.Context, familyID string) {
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE family_id = $1`, familyID)
		return err
	})
	if err != nil {
		s.log.Error().Err(err).Str("family_id", familyID).Msg("family revocation failed")
	}
}

func (s *Service) emit(eventType, userID string, payload map[string]interface{}) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.sink.Create(ctx, eventType, userID, payload, nil); err != nil {
		s.log.Warn().Err(err).Str("type", eventType).Msg("event emit failed")
	}
}

func (s *Service) surface(err error, op string) error {
	var he *hub.Error
	if errors.As(err, &he) {
		if he.Kind == hub.KindUpstreamUnavailable {
			return hub.Wrap(hub.KindInternalUnavailable, op+" failed after retries", err)
		}
		return err
	}
	return hub.Wrap(hub.KindInternalUnavailable, op+" failed", err)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
