package handlers

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/jaeaeich/poiesis/pkg/api/apierr"
	"github.com/jaeaeich/poiesis/pkg/auth"
	"github.com/jaeaeich/poiesis/pkg/tes"
)

// TorcLauncher starts the orchestrator workload of a freshly created task.
type TorcLauncher interface {
	LaunchTorc(ctx context.Context, task tes.Task) error
}

// ResourceCanceler best-effort removes a task's phase workloads on cancel;
// the orchestrator confirms and settles the state afterwards.
type ResourceCanceler interface {
	CancelResources(ctx context.Context, taskID string) error
}

// userIDKey is where the authenticated subject lands on the echo context.
const userIDKey = "poiesis.user_id"

// UserID reads the authenticated subject set by BearerAuth.
func UserID(c echo.Context) string {
	if v, ok := c.Get(userIDKey).(string); ok {
		return v
	}
	return ""
}

// BearerAuth validates the Authorization header on every route it wraps and
// stores the subject on the context.
func BearerAuth(provider auth.Provider) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return apierr.Unauthorized("missing bearer token")
			}

			subject, err := provider.ValidateToken(c.Request().Context(), token)
			if err != nil {
				return apierr.Unauthorized("", apierr.WithError(err))
			}

			c.Set(userIDKey, subject.UserID)
			return next(c)
		}
	}
}
