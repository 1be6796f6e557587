package httpserver

import (
	"github.com/labstack/echo/v4"

	"github.com/sgurov/authsvc/internal/handlers/auth"
	authmw "github.com/sgurov/authsvc/internal/middleware/auth"
	"github.com/sgurov/authsvc/internal/tokens"
)

type Deps struct {
	AuthHandler *auth.AuthHandler
	Codec       *tokens.Codec
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(200) })
	e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(200) })

	v1 := e.Group("/api/v1")

	v1.POST("/register", d.AuthHandler.Register)
	v1.POST("/login", d.AuthHandler.Login)
	v1.POST("/verify", d.AuthHandler.Verify)
	v1.POST("/refresh", d.AuthHandler.Refresh)
	v1.POST("/logout", d.AuthHandler.LogOut)

	v1.GET("/me", d.AuthHandler.Me, authmw.RequireLogin(d.Codec))
}
