package tokens

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RefreshTTL caps the lifetime of a refresh token chain. CSRF tokens
	// share the same lifetime class because they ride along with one
	// specific refresh token.
	RefreshTTL = 7 * 24 * time.Hour

	subjectRefresh = "refresh_token"
	subjectCSRF    = "csrf_token"
)

var (
	ErrExpired   = errors.New("token expired")
	ErrMalformed = errors.New("invalid token")
	ErrMismatch  = errors.New("token binding mismatch")
)

type Claims struct {
	UserID       string `json:"user_id,omitempty"`
	BoundRefresh string `json:"refresh_token,omitempty"`
	BoundAccess  string `json:"access_token,omitempty"`
	jwt.RegisteredClaims
}

type Codec struct {
	Secret    []byte
	AccessTTL time.Duration
}

func (c *Codec) EncodeAccess(userID string) (string, error) {
	return c.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(c.AccessTTL)),
		},
	})
}

func (c *Codec) EncodeRefresh(userID string) (string, error) {
	return c.sign(Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectRefresh,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(RefreshTTL)),
		},
	})
}

// EncodeCSRF binds the minted token to the refresh/access pair issued in
// the same response. accessToken may be empty when no access token is
// issued yet (login before the second factor is verified).
func (c *Codec) EncodeCSRF(refreshToken, accessToken string) (string, error) {
	return c.sign(Claims{
		BoundRefresh: refreshToken,
		BoundAccess:  accessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectCSRF,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(RefreshTTL)),
		},
	})
}

func (c *Codec) sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.Secret)
}

// Decode verifies the signature and checks the embedded expiry itself so
// that DecodeExpired can keep accepting structurally valid expired tokens.
func (c *Codec) Decode(tokenStr string) (*Claims, error) {
	claims, err := c.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpired
	}
	return claims, nil
}

// DecodeExpired is the grace path: signature and structure are still
// required, the expiry is not. Used only when re-deriving a new pair.
func (c *Codec) DecodeExpired(tokenStr string) (*Claims, error) {
	return c.parse(tokenStr)
}

func (c *Codec) parse(tokenStr string) (*Claims, error) {
	var claims Claims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected sign method")
		}
		return c.Secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !tkn.Valid {
		return nil, ErrMalformed
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrMalformed
	}
	return &claims, nil
}

// VerifyCSRF checks that the presented CSRF token was minted alongside
// exactly this refresh/access pair. Either token may be empty when the
// caller only holds one side of the pair; the binding it does hold must
// match.
func (c *Codec) VerifyCSRF(csrfToken, refreshToken, accessToken string) error {
	claims, err := c.Decode(csrfToken)
	if err != nil {
		return err
	}
	if claims.Subject != subjectCSRF {
		return ErrMalformed
	}
	if refreshToken != "" && !equal(claims.BoundRefresh, refreshToken) {
		return ErrMismatch
	}
	if accessToken != "" && !equal(claims.BoundAccess, accessToken) {
		return ErrMismatch
	}
	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
