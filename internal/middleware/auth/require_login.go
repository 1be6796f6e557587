package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sgurov/authsvc/internal/logging"
	"github.com/sgurov/authsvc/internal/tokens"
)

const accessCookie = "Access-Token"

// RequireLogin gates protected routes on a valid access token plus a CSRF
// token bound to that exact access token. Every failure is reported as a
// bare forbidden so callers cannot tell which check tripped.
func RequireLogin(codec *tokens.Codec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			l := logging.FromContext(c.Request().Context()).With("middleware", "require_login")

			cookie, err := c.Cookie(accessCookie)
			if err != nil || cookie.Value == "" {
				l.Warn("access_denied", "status", 403, "reason", "missing_access_cookie")
				return forbidden()
			}

			claims, err := codec.Decode(cookie.Value)
			if err != nil {
				l.Warn("access_denied", "status", 403, "reason", "access_token_rejected")
				return forbidden()
			}
			if _, err := uuid.Parse(claims.Subject); err != nil {
				l.Warn("access_denied", "status", 403, "reason", "access_token_rejected")
				return forbidden()
			}

			if err := codec.VerifyCSRF(bearerToken(c), "", cookie.Value); err != nil {
				l.Warn("access_denied", "status", 403, "reason", "csrf_check_failed")
				return forbidden()
			}

			c.Set("user_id", claims.Subject)
			return next(c)
		}
	}
}

func forbidden() error {
	return echo.NewHTTPError(http.StatusForbidden, "forbidden")
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}
