package sessionid

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	CookieName = "Session-Id"
	ctxKey     = "session_id"
)

// Middleware guarantees every request carries a session id: an existing
// cookie is reused, otherwise a fresh id is minted and set on the
// response. The id only tracks whether the second factor was already
// verified in this browser, it is not a credential by itself.
func Middleware(window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sid := ""
			if cookie, err := c.Cookie(CookieName); err == nil {
				sid = cookie.Value
			}
			if sid == "" {
				sid = newID()
			}

			c.Set(ctxKey, sid)
			c.SetCookie(&http.Cookie{
				Name:     CookieName,
				Value:    sid,
				Path:     "/",
				MaxAge:   int(window.Seconds()),
				HttpOnly: true,
				Secure:   true,
				SameSite: http.SameSiteStrictMode,
			})
			return next(c)
		}
	}
}

func FromEcho(c echo.Context) string {
	if sid, ok := c.Get(ctxKey).(string); ok {
		return sid
	}
	return ""
}

func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
