package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"lanlobby/domain"
	"lanlobby/internal/util"
)

// JwtAuthMiddleware validates the Bearer token and stores the caller's
// identity in Locals for the handlers downstream.
func JwtAuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(http.StatusUnauthorized).JSON(domain.ErrorResponse{Message: "Missing authorization header"})
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(http.StatusUnauthorized).JSON(domain.ErrorResponse{Message: "Authorization header format must be Bearer {token}"})
		}

		claims, err := util.ParseToken(parts[1], secret)
		if err != nil {
			return c.Status(http.StatusUnauthorized).JSON(domain.ErrorResponse{Message: "Not authorized or invalid token"})
		}

		c.Locals("username", claims.Username)
		c.Locals("user_id", claims.ID)
		return c.Next()
	}
}
