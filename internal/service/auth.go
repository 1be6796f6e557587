package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sgurov/authsvc/internal/hash"
	"github.com/sgurov/authsvc/internal/logging"
	"github.com/sgurov/authsvc/internal/models"
	"github.com/sgurov/authsvc/internal/repo"
	"github.com/sgurov/authsvc/internal/session"
	"github.com/sgurov/authsvc/internal/tokens"
)

const (
	maxLoginAttempts = 15
	attemptWindow    = 24 * time.Hour

	// A stored refresh token about to expire is not worth rotating; the
	// client has to log in again anyway.
	minRemainingTTL = time.Second
)

type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, username, passwordHash, totpSecret string) (*models.User, error)
}

type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Rotate(ctx context.Context, oldKey, newKey, value string, ttl time.Duration) error
}

type SecondFactor interface {
	GenerateSecret() (string, error)
	ProvisioningURI(secret, account string) string
	EnrollmentQR(uri string) (string, error)
	Check(secret, code string) bool
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, event interface{}) error
}

// AuthService coordinates the credential store, the session store, the
// token codec and the second-factor verifier. It holds no cross-request
// state of its own. Sessions may be nil; operations that need session
// state fail fast in that case.
type AuthService struct {
	Users          UserStore
	Sessions       SessionStore
	Codec          *tokens.Codec
	TOTP           SecondFactor
	RememberWindow time.Duration
	Producer       EventPublisher
}

type RegisterResult struct {
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	TOTPSecret   string    `json:"totp_secret"`
	EnrollmentQR string    `json:"enrollment_qr"`
}

type LoginResult struct {
	RefreshToken string
	CSRFToken    string
}

type TokenTriple struct {
	AccessToken  string
	RefreshToken string
	CSRFToken    string
}

func (s *AuthService) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.register")

	if _, err := s.Users.FindByUsername(ctx, username); err == nil {
		l.Warn("register_failed", "reason", "user_exists")
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, repo.ErrUserNotFound) {
		l.Error("register_failed", "reason", "db_error", "error", err)
		return nil, ErrUnavailable
	}

	pwHash, err := hash.HashPassword(password)
	if err != nil {
		l.Error("register_failed", "reason", "cannot hash the password", "error", err)
		return nil, err
	}
	secret, err := s.TOTP.GenerateSecret()
	if err != nil {
		return nil, err
	}

	user, err := s.Users.Create(ctx, username, pwHash, secret)
	if err != nil {
		if errors.Is(err, repo.ErrUserExists) {
			// Lost the race against a concurrent register for the same
			// username.
			l.Warn("register_failed", "reason", "user_exists")
			return nil, ErrAlreadyExists
		}
		l.Error("register_failed", "reason", "db_error", "error", err)
		return nil, ErrUnavailable
	}

	qr, err := s.TOTP.EnrollmentQR(s.TOTP.ProvisioningURI(user.TOTPSecret, user.Username))
	if err != nil {
		l.Error("register_failed", "reason", "cannot render enrollment qr", "error", err)
		return nil, err
	}

	s.publish(ctx, "user_registered", user)
	l.Info("register_success", "user_id", user.ID)

	return &RegisterResult{
		Username:     user.Username,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
		TOTPSecret:   user.TOTPSecret,
		EnrollmentQR: qr,
	}, nil
}

// Login checks the password and issues a refresh/CSRF pair. The access
// token is withheld until the second factor is verified.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if s.Sessions == nil {
		return nil, ErrNoSessionStore
	}
	l := logging.FromContext(ctx).With("svc", "auth.login")

	user, err := s.Users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("login_failed", "reason", "invalid username or password")
			return nil, ErrInvalidCredentials
		}
		l.Error("login_failed", "reason", "db_error", "error", err)
		return nil, ErrUnavailable
	}
	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "reason", "invalid username or password")
		return nil, ErrInvalidCredentials
	}

	userID := user.ID.String()

	attempts, err := s.loginAttempts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if attempts > maxLoginAttempts {
		l.Warn("login_failed", "reason", "too_many_attempts", "user_id", userID)
		return nil, ErrTooManyAttempts
	}

	refreshToken, err := s.Codec.EncodeRefresh(userID)
	if err != nil {
		return nil, err
	}
	csrfToken, err := s.Codec.EncodeCSRF(refreshToken, "")
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Sessions.Set(gctx, refreshToken, userID, tokens.RefreshTTL)
	})
	g.Go(func() error {
		return s.Sessions.Set(gctx, userID, strconv.Itoa(attempts+1), attemptWindow)
	})
	if err := g.Wait(); err != nil {
		l.Error("login_failed", "reason", "session_store_error", "error", err)
		return nil, s.storeErr(err)
	}

	s.publish(ctx, "user_logged_in", user)
	l.Info("login_success", "user_id", userID)

	return &LoginResult{RefreshToken: refreshToken, CSRFToken: csrfToken}, nil
}

// VerifySecondFactor checks a one-time code and remembers the result for
// the session id. Repeating a successful verification inside the
// remembered window is rejected, not silently accepted, so client bugs
// surface instead of hiding.
func (s *AuthService) VerifySecondFactor(ctx context.Context, refreshToken, sessionID, code string) error {
	if s.Sessions == nil {
		return ErrNoSessionStore
	}
	if sessionID == "" {
		return ErrBadRequest
	}
	l := logging.FromContext(ctx).With("svc", "auth.verify")

	userID, err := s.resolveRefresh(ctx, refreshToken)
	if err != nil {
		return err
	}

	verified, err := s.Sessions.Get(ctx, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return s.storeErr(err)
	}
	if verified == userID {
		l.Warn("verify_failed", "reason", "already_verified", "user_id", userID)
		return ErrAlreadyVerified
	}

	user, err := s.Users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return ErrUnauthorized
		}
		return ErrUnavailable
	}
	if !s.TOTP.Check(user.TOTPSecret, code) {
		l.Warn("verify_failed", "reason", "invalid_code", "user_id", userID)
		return ErrInvalidCode
	}

	if err := s.Sessions.Set(ctx, sessionID, userID, s.RememberWindow); err != nil {
		return s.storeErr(err)
	}
	l.Info("verify_success", "user_id", userID)
	return nil
}

// Refresh exchanges a still-valid refresh token for a new triple. The new
// refresh token inherits the remaining TTL of the old one, so rotation
// never extends the total session lifetime.
func (s *AuthService) Refresh(ctx context.Context, oldRefresh, sessionID string) (*TokenTriple, error) {
	if s.Sessions == nil {
		return nil, ErrNoSessionStore
	}
	if oldRefresh == "" {
		return nil, ErrUnauthorized
	}
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	// The three reads are independent; issue them concurrently and only
	// fail the batch on store errors, absence is decided below.
	var (
		userID    string
		verified  string
		remaining time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.Sessions.Get(gctx, oldRefresh)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
		userID = v
		return nil
	})
	g.Go(func() error {
		d, err := s.Sessions.TTL(gctx, oldRefresh)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
		remaining = d
		return nil
	})
	g.Go(func() error {
		if sessionID == "" {
			return nil
		}
		v, err := s.Sessions.Get(gctx, sessionID)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
		verified = v
		return nil
	})
	if err := g.Wait(); err != nil {
		l.Error("refresh_failed", "reason", "session_store_error", "error", err)
		return nil, s.storeErr(err)
	}

	if _, err := uuid.Parse(userID); err != nil {
		l.Warn("refresh_failed", "reason", "invalid refresh token")
		return nil, ErrUnauthorized
	}
	if remaining < minRemainingTTL {
		l.Warn("refresh_failed", "reason", "invalid refresh token")
		return nil, ErrUnauthorized
	}
	if verified != userID {
		l.Warn("refresh_failed", "reason", "second factor not verified", "user_id", userID)
		return nil, ErrUnauthorized
	}

	accessToken, err := s.Codec.EncodeAccess(userID)
	if err != nil {
		return nil, err
	}
	newRefresh, err := s.Codec.EncodeRefresh(userID)
	if err != nil {
		return nil, err
	}
	csrfToken, err := s.Codec.EncodeCSRF(newRefresh, accessToken)
	if err != nil {
		return nil, err
	}

	if err := s.Sessions.Rotate(ctx, oldRefresh, newRefresh, userID, remaining); err != nil {
		// No tokens on a failed rotation: the store state is unknown and
		// the client has to log in again.
		l.Error("refresh_failed", "reason", "rotation_error", "error", err)
		return nil, s.storeErr(err)
	}

	l.Info("refresh_success", "user_id", userID)
	return &TokenTriple{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		CSRFToken:    csrfToken,
	}, nil
}

// Logout revokes a refresh token. Revoking a token that is already gone
// succeeds.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if s.Sessions == nil {
		return ErrNoSessionStore
	}
	if refreshToken == "" {
		return ErrBadRequest
	}
	if err := s.Sessions.Delete(ctx, refreshToken); err != nil {
		return s.storeErr(err)
	}
	return nil
}

// Identify resolves a user id from an already-verified access token. An
// unknown id reports the same failure as bad credentials so a token for a
// deleted user is indistinguishable from a bad token.
func (s *AuthService) Identify(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.Users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, ErrUnavailable
	}
	return user, nil
}

func (s *AuthService) resolveRefresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", ErrUnauthorized
	}
	userID, err := s.Sessions.Get(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", ErrUnauthorized
		}
		return "", s.storeErr(err)
	}
	if _, err := uuid.Parse(userID); err != nil {
		return "", ErrUnauthorized
	}
	return userID, nil
}

func (s *AuthService) loginAttempts(ctx context.Context, userID string) (int, error) {
	val, err := s.Sessions.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return 0, nil
		}
		return 0, s.storeErr(err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *AuthService) storeErr(err error) error {
	if errors.Is(err, session.ErrUnavailable) {
		return ErrUnavailable
	}
	return err
}

func (s *AuthService) publish(ctx context.Context, eventType string, user *models.User) {
	if s.Producer == nil {
		return
	}
	event := map[string]interface{}{
		"type":     eventType,
		"user_id":  user.ID,
		"username": user.Username,
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Producer.PublishEvent(ctx, "user_events", user.ID.String(), event); err != nil {
		logging.FromContext(ctx).Error("kafka publish error", "error", err)
	}
}
