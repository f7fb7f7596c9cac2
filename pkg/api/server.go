package api

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/jaeaeich/poiesis/pkg/api/apierr"
	"github.com/jaeaeich/poiesis/pkg/api/handlers"
	"github.com/jaeaeich/poiesis/pkg/auth"
	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/db"
)

// BasePath of the TES v1.1.0 surface.
const BasePath = "/ga4gh/tes/v1"

// NewServer wires the TES routes onto an echo instance. Everything except
// service-info sits behind bearer auth.
func NewServer(
	conf config.Config,
	store db.Store,
	provider auth.Provider,
	launcher handlers.TorcLauncher,
	canceler handlers.ResourceCanceler,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = apierr.Handler
	e.Logger.SetLevel(logLevel(conf.LogLevel))
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	g := e.Group(BasePath)
	g.GET("/service-info", handlers.ServiceInfoHandler(conf))

	authed := g.Group("", handlers.BearerAuth(provider))
	authed.POST("/tasks", handlers.CreateTaskHandler(store, launcher))
	authed.GET("/tasks", handlers.ListTasksHandler(store))
	authed.GET("/tasks/:id", handlers.GetTaskHandler(store))
	// The path segment is "{id}:cancel"; the router captures it whole and
	// the handler strips the verb suffix.
	authed.POST("/tasks/:id", handlers.CancelTaskHandler(store, canceler))

	return e
}

// Address renders the listen address from config.
func Address(conf config.Config) string {
	return fmt.Sprintf(":%d", conf.API.Port)
}

func logLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}
