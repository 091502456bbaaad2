package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/careerpulse/hub/internal/hub"
	"github.com/careerpulse/hub/internal/pool"
	"github.com/careerpulse/hub/internal/ratelimit"
)

const testSecret = "test-secret-0123456789"

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	exec := pool.New(pool.Config{
		Name:                "db",
		MaxConcurrent:       4,
		CallTimeout:         5 * time.Second,
		RetryAttempts:       1,
		BreakerThreshold:    100,
		BreakerResetTimeout: time.Second,
	}, zerolog.Nop())

	limiter := ratelimit.New(nil, nil, nil, nil, zerolog.Nop())

	return NewService(db, exec, nil, limiter, Config{
		JWTSecret:      testSecret,
		AccessTokenTTL: 15 * time.Minute,
		BcryptCost:     12,
	}, zerolog.Nop()), mock
}

func userRow(id, email, passwordHash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "email", "password_hash", "display_name", "created_at", "unlimited"}).
		AddRow(id, email, passwordHash, "Alice", time.Now(), false)
}

func TestVerifyAccessRoundtrip(t *testing.T) {
	s, mock := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_energy").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	user, pair, err := s.Register(context.Background(), "Alice@Example.com", "long-password", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	sub, err := s.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, sub)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newTestService(t)

	_, _, err := s.Register(context.Background(), "not-an-email", "long-password", "")
	assert.True(t, hub.IsKind(err, hub.KindValidation))

	_, _, err = s.Register(context.Background(), "a@b.com", "short", "")
	assert.True(t, hub.IsKind(err, hub.KindValidation))
}

func TestVerifyAccessRejectsWrongSecret(t *testing.T) {
	s, _ := newTestService(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "u1",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"aud":  "careerpulse",
		"type": "access",
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = s.VerifyAccess(token)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestVerifyAccessRejectsWrongAudience(t *testing.T) {
	s, _ := newTestService(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "u1",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"aud":  "someone-else",
		"type": "access",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = s.VerifyAccess(token)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestVerifyAccessRejectsNonAccessType(t *testing.T) {
	s, _ := newTestService(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "u1",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"aud":  "careerpulse",
		"type": "refresh",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = s.VerifyAccess(token)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestVerifyAccessRejectsExpired(t *testing.T) {
	s, _ := newTestService(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "u1",
		"exp":  time.Now().Add(-time.Minute).Unix(),
		"aud":  "careerpulse",
		"type": "access",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = s.VerifyAccess(token)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestLoginSuccess(t *testing.T) {
	s, mock := newTestService(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery("FROM users").WithArgs("alice@example.com").
		WillReturnRows(userRow("u1", "alice@example.com", string(hash)))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	user, pair, err := s.Login(context.Background(), "alice@example.com", "correct-password", "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.NotEmpty(t, pair.RefreshToken)
}

func TestLoginWrongPassword(t *testing.T) {
	s, mock := newTestService(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery("FROM users").
		WillReturnRows(userRow("u1", "alice@example.com", string(hash)))

	_, _, err = s.Login(context.Background(), "alice@example.com", "wrong-password", "9.9.9.9")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestLoginUnknownEmailSameError(t *testing.T) {
	s, mock := newTestService(t)

	mock.ExpectQuery("FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "email", "password_hash", "display_name", "created_at", "unlimited"}))

	_, _, err := s.Login(context.Background(), "ghost@example.com", "whatever-password", "9.9.9.9")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestLoginBlockedAfterRepeatedFailures(t *testing.T) {
	s, mock := newTestService(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-password"), bcrypt.MinCost)
	require.NoError(t, err)

	// The auth.login scope allows 4 failures on the local fallback before
	// blocking. Each attempt looks the user up.
	for i := 0; i < 5; i++ {
		mock.ExpectQuery("FROM users").
			WillReturnRows(userRow("u1", "alice@example.com", string(hash)))
		_, _, err = s.Login(context.Background(), "alice@example.com", "wrong-password", "9.9.9.9")
		require.Error(t, err)
	}
	assert.True(t, hub.IsKind(err, hub.KindRateLimited))

	// A correct password during the block is still rejected, before any
	// credential check or database access.
	_, _, err = s.Login(context.Background(), "alice@example.com", "correct-password", "9.9.9.9")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindRateLimited))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRotatesSession(t *testing.T) {
	s, mock := newTestService(t)

	refresh := "opaque-refresh-token"
	mock.ExpectQuery("FROM sessions").WithArgs(hashToken(refresh)).
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "user_id", "family_id", "expires_at", "revoked"}).
			AddRow("s1", "u1", "fam1", time.Now().Add(time.Hour), false))
	mock.ExpectExec("UPDATE sessions SET revoked = TRUE WHERE session_id").
		WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	pair, err := s.Refresh(context.Background(), refresh)
	require.NoError(t, err)
	assert.NotEqual(t, refresh, pair.RefreshToken)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshConcurrentRotationRevokesFamily(t *testing.T) {
	s, mock := newTestService(t)

	// The session looks live at lookup time, but a racing refresh spends it
	// before our conditional update lands: zero rows affected.
	refresh := "stolen-refresh-token"
	mock.ExpectQuery("FROM sessions").WithArgs(hashToken(refresh)).
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "user_id", "family_id", "expires_at", "revoked"}).
			AddRow("s1", "u1", "fam1", time.Now().Add(time.Hour), false))
	mock.ExpectExec("UPDATE sessions SET revoked = TRUE WHERE session_id").
		WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE sessions SET revoked = TRUE WHERE family_id").
		WithArgs("fam1").WillReturnResult(sqlmock.NewResult(0, 2))

	_, err := s.Refresh(context.Background(), refresh)
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshReplayRevokesFamily(t *testing.T) {
	s, mock := newTestService(t)

	mock.ExpectQuery("FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "user_id", "family_id", "expires_at", "revoked"}).
			AddRow("s1", "u1", "fam1", time.Now().Add(time.Hour), true))
	mock.ExpectExec("UPDATE sessions SET revoked = TRUE WHERE family_id").
		WithArgs("fam1").WillReturnResult(sqlmock.NewResult(0, 3))

	_, err := s.Refresh(context.Background(), "replayed-token")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshExpired(t *testing.T) {
	s, mock := newTestService(t)

	mock.ExpectQuery("FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "user_id", "family_id", "expires_at", "revoked"}).
			AddRow("s1", "u1", "fam1", time.Now().Add(-time.Hour), false))

	_, err := s.Refresh(context.Background(), "stale-token")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestRefreshUnknownToken(t *testing.T) {
	s, mock := newTestService(t)

	mock.ExpectQuery("FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "user_id", "family_id", "expires_at", "revoked"}))

	_, err := s.Refresh(context.Background(), "never-issued")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUnauthorized))
}

func TestHashTokenStable(t *testing.T) {
	a := hashToken("token-a")
	assert.Equal(t, a, hashToken("token-a"))
	assert.NotEqual(t, a, hashToken("token-b"))
	assert.Len(t, a, 64)
}
