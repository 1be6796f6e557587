package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sgurov/authsvc/internal/models"
	"github.com/sgurov/authsvc/internal/repo"
	"github.com/sgurov/authsvc/internal/session"
	"github.com/sgurov/authsvc/internal/tokens"
	"github.com/sgurov/authsvc/internal/totp"
)

func newTestService(t *testing.T) (*AuthService, *miniredis.Miniredis) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect to in-memory db: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}); err != nil {
		t.Fatalf("failed to migrate tables: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svc := &AuthService{
		Users:          &repo.UserRepo{DB: db},
		Sessions:       session.NewStore(rdb),
		Codec:          &tokens.Codec{Secret: []byte("test-secret"), AccessTTL: 15 * time.Minute},
		TOTP:           &totp.Verifier{Issuer: "authsvc"},
		RememberWindow: 30 * 24 * time.Hour,
	}
	return svc, mr
}

// registerAndLogin walks a user through register + login and leaves the
// session second-factor-unverified.
func registerAndLogin(t *testing.T, svc *AuthService) (secret string, login *LoginResult) {
	t.Helper()

	reg, err := svc.Register(context.Background(), "alice", "pw1")
	require.NoError(t, err)

	result, err := svc.Login(context.Background(), "alice", "pw1")
	require.NoError(t, err)
	return reg.TOTPSecret, result
}

// verifySession marks sessionID as second-factor-verified using a real
// code derived from the enrolled secret.
func verifySession(t *testing.T, svc *AuthService, login *LoginResult, secret, sessionID string) {
	t.Helper()

	code, err := totp.CodeAt(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.VerifySecondFactor(context.Background(), login.RefreshToken, sessionID, code))
}

func TestRegister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Register(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, "alice", result.Username)
	require.NotEmpty(t, result.TOTPSecret)
	require.NotEmpty(t, result.EnrollmentQR)
	require.False(t, result.CreatedAt.IsZero())

	// Same username again, password equality irrelevant.
	_, err = svc.Register(ctx, "alice", "pw2")
	require.ErrorIs(t, err, ErrAlreadyExists)

	// Lookup is case-insensitive, so a case variant is still a conflict.
	_, err = svc.Register(ctx, "ALICE", "pw3")
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestLogin(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NotEmpty(t, reg.TOTPSecret)

	_, err = svc.Login(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody", "pw1")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	result, err := svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NotEmpty(t, result.RefreshToken)
	require.NotEmpty(t, result.CSRFToken)

	// The store now maps refresh token -> user id with the full TTL.
	userID, err := mr.Get(result.RefreshToken)
	require.NoError(t, err)
	_, err = uuid.Parse(userID)
	require.NoError(t, err)
	require.Equal(t, tokens.RefreshTTL, mr.TTL(result.RefreshToken))
}

func TestLoginAttemptLimit(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "pw1")
	require.NoError(t, err)

	first, err := svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	userID, err := mr.Get(first.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, mr.Set(userID, "16"))

	_, err = svc.Login(ctx, "alice", "pw1")
	require.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestVerifySecondFactor(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	secret, login := registerAndLogin(t, svc)

	err := svc.VerifySecondFactor(ctx, login.RefreshToken, "session-1", "000000")
	require.ErrorIs(t, err, ErrInvalidCode)

	code, err := totp.CodeAt(secret, time.Now())
	require.NoError(t, err)

	require.NoError(t, svc.VerifySecondFactor(ctx, login.RefreshToken, "session-1", code))

	// The session now maps to the refresh token's user.
	userID, err := mr.Get(login.RefreshToken)
	require.NoError(t, err)
	verified, err := mr.Get("session-1")
	require.NoError(t, err)
	require.Equal(t, userID, verified)

	// Re-verifying inside the remembered window is a rejection, not a
	// no-op.
	err = svc.VerifySecondFactor(ctx, login.RefreshToken, "session-1", code)
	require.ErrorIs(t, err, ErrAlreadyVerified)
}

func TestVerifySecondFactorUnknownRefreshToken(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.VerifySecondFactor(context.Background(), "garbage", "session-1", "000000")
	require.ErrorIs(t, err, ErrUnauthorized)

	err = svc.VerifySecondFactor(context.Background(), "", "session-1", "000000")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshGatedOnSecondFactor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	secret, login := registerAndLogin(t, svc)

	// Before verification the session has no verified marker.
	_, err := svc.Refresh(ctx, login.RefreshToken, "session-1")
	require.ErrorIs(t, err, ErrUnauthorized)

	// A session verified for a different user does not open the gate.
	require.NoError(t, svc.Sessions.Set(ctx, "session-other", uuid.NewString(), time.Hour))
	_, err = svc.Refresh(ctx, login.RefreshToken, "session-other")
	require.ErrorIs(t, err, ErrUnauthorized)

	verifySession(t, svc, login, secret, "session-1")

	triple, err := svc.Refresh(ctx, login.RefreshToken, "session-1")
	require.NoError(t, err)
	require.NotEmpty(t, triple.AccessToken)
	require.NotEmpty(t, triple.RefreshToken)
	require.NotEmpty(t, triple.CSRFToken)
}

func TestRefreshRotationInvalidatesPredecessor(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	secret, login := registerAndLogin(t, svc)
	verifySession(t, svc, login, secret, "session-1")

	triple, err := svc.Refresh(ctx, login.RefreshToken, "session-1")
	require.NoError(t, err)

	require.False(t, mr.Exists(login.RefreshToken))
	require.True(t, mr.Exists(triple.RefreshToken))

	// The old token is spent; presenting it again fails.
	_, err = svc.Refresh(ctx, login.RefreshToken, "session-1")
	require.ErrorIs(t, err, ErrUnauthorized)

	// The rotated token still works.
	_, err = svc.Refresh(ctx, triple.RefreshToken, "session-1")
	require.NoError(t, err)
}

func TestRefreshCapsTTL(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	secret, login := registerAndLogin(t, svc)
	verifySession(t, svc, login, secret, "session-1")

	// Pretend most of the refresh window has already elapsed.
	remaining := time.Hour
	mr.SetTTL(login.RefreshToken, remaining)

	triple, err := svc.Refresh(ctx, login.RefreshToken, "session-1")
	require.NoError(t, err)

	// The successor inherits the remaining window instead of a fresh one.
	require.Equal(t, remaining, mr.TTL(triple.RefreshToken))
}

func TestRefreshUnavailableStore(t *testing.T) {
	svc, mr := newTestService(t)
	secret, login := registerAndLogin(t, svc)
	verifySession(t, svc, login, secret, "session-1")

	mr.Close()

	_, err := svc.Refresh(context.Background(), login.RefreshToken, "session-1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	_, login := registerAndLogin(t, svc)

	require.NoError(t, svc.Logout(ctx, login.RefreshToken))
	require.False(t, mr.Exists(login.RefreshToken))

	// Second logout with the same, now absent, token still succeeds.
	require.NoError(t, svc.Logout(ctx, login.RefreshToken))
	require.NoError(t, svc.Logout(ctx, "never-existed"))

	require.ErrorIs(t, svc.Logout(ctx, ""), ErrBadRequest)
}

func TestIdentify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "alice", "pw1")
	require.NoError(t, err)

	login, err := svc.Login(ctx, "alice", "pw1")
	require.NoError(t, err)

	userID, err := svc.Sessions.Get(ctx, login.RefreshToken)
	require.NoError(t, err)

	user, err := svc.Identify(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, reg.Username, user.Username)

	// Unknown or deleted user reads as bad credentials, not as a 404.
	_, err = svc.Identify(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionStoreRequired(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Sessions = nil
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "pw1")
	require.ErrorIs(t, err, ErrNoSessionStore)

	err = svc.VerifySecondFactor(ctx, "tok", "sid", "000000")
	require.ErrorIs(t, err, ErrNoSessionStore)

	_, err = svc.Refresh(ctx, "tok", "sid")
	require.ErrorIs(t, err, ErrNoSessionStore)

	require.ErrorIs(t, svc.Logout(ctx, "tok"), ErrNoSessionStore)

	// Registration needs no session state.
	_, err = svc.Register(ctx, "alice", "pw1")
	require.NoError(t, err)
}
