package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"portal-backend/internal/web"
)

const userIDKey = "userID"

// Middleware returns a Fiber middleware that validates JWT tokens and sets
// the authenticated user id on the request.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return web.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return web.UnauthorizedError("Invalid auth header format")
		}

		userID, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return web.UnauthorizedError("Invalid or expired token")
		}

		c.Locals(userIDKey, userID)
		return c.Next()
	}
}

// UserID extracts the authenticated user id from a Fiber context.
func UserID(c *fiber.Ctx) (int64, bool) {
	id, ok := c.Locals(userIDKey).(int64)
	return id, ok
}
