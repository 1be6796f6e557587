package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sgurov/authsvc/internal/logging"
	"github.com/sgurov/authsvc/internal/middleware/sessionid"
	"github.com/sgurov/authsvc/internal/service"
	"github.com/sgurov/authsvc/internal/tokens"
)

type AuthHandler struct {
	Auth  *service.AuthService
	Codec *tokens.Codec
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req credentials
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Password == "" {
		l.Warn("register_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	result, err := h.Auth.Register(ctx, req.Username, req.Password)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, result)
}

func (h *AuthHandler) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req credentials
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Password == "" {
		l.Warn("login_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	result, err := h.Auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		return httpError(err)
	}

	// Tokens travel as http-only cookies plus a CSRF header, never in the
	// body, so script-accessible storage never holds them.
	c.SetCookie(CreateCookie(RefreshCookie, result.RefreshToken, "/", time.Now().Add(tokens.RefreshTTL)))
	c.Response().Header().Set(CSRFHeader, result.CSRFToken)

	return c.JSON(http.StatusOK, echo.Map{"message": "second factor required"})
}

func (h *AuthHandler) Verify(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_verify")

	refreshToken := cookieValue(c, RefreshCookie)
	if err := h.Codec.VerifyCSRF(bearerToken(c), refreshToken, ""); err != nil {
		l.Warn("verify_error", "status", 403, "reason", "csrf_check_failed")
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&req); err != nil || req.Code == "" {
		l.Warn("verify_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := h.Auth.VerifySecondFactor(ctx, refreshToken, sessionid.FromEcho(c), req.Code); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "second factor verified"})
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	refreshToken := cookieValue(c, RefreshCookie)
	if err := h.Codec.VerifyCSRF(bearerToken(c), refreshToken, ""); err != nil {
		l.Warn("refresh_error", "status", 403, "reason", "csrf_check_failed")
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	triple, err := h.Auth.Refresh(ctx, refreshToken, sessionid.FromEcho(c))
	if err != nil {
		return httpError(err)
	}

	c.SetCookie(CreateCookie(AccessCookie, triple.AccessToken, "/", time.Now().Add(h.Codec.AccessTTL)))
	c.SetCookie(CreateCookie(RefreshCookie, triple.RefreshToken, "/", time.Now().Add(tokens.RefreshTTL)))
	c.Response().Header().Set(CSRFHeader, triple.CSRFToken)

	return c.JSON(http.StatusOK, echo.Map{"message": "tokens rotated"})
}

func (h *AuthHandler) LogOut(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	refreshToken := cookieValue(c, RefreshCookie)
	if err := h.Auth.Logout(ctx, refreshToken); err != nil {
		l.Warn("logout_failed", "reason", "missing_refresh_cookie")
		return httpError(err)
	}

	c.SetCookie(DeleteCookie(RefreshCookie, "/"))
	c.SetCookie(DeleteCookie(AccessCookie, "/"))
	l.Info("logout_success")
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c echo.Context) error {
	ctx := c.Request().Context()

	userID, _ := c.Get("user_id").(string)
	user, err := h.Auth.Identify(ctx, userID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"updated_at": user.UpdatedAt,
	})
}

func cookieValue(c echo.Context, name string) string {
	cookie, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

func httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrAlreadyExists),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrAlreadyVerified),
		errors.Is(err, service.ErrBadRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrTooManyAttempts):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, service.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
