package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const userIDKey = "user_id"

// Middleware returns an Echo middleware that validates "Bearer <token>"
// access tokens and stores the caller's user ID in the context. Failures
// use the same error envelope as the API handlers.
func (ts *TokenService) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return unauthorized(c, "missing authorization header")
			}

			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				return unauthorized(c, "invalid authorization format")
			}

			claims, err := ts.ValidateAccessToken(token)
			if err != nil {
				return unauthorized(c, "invalid or expired token")
			}

			c.Set(userIDKey, claims.UserID)
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{
		"error": map[string]string{"code": "UNAUTHORIZED", "message": message},
	})
}

// GetUserID extracts the authenticated user ID from the Echo context.
func GetUserID(c echo.Context) int64 {
	return c.Get(userIDKey).(int64)
}
