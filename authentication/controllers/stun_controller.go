package controllers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"lanlobby/wireguard"
)

// StunController exposes the server's public address as seen through STUN,
// so clients can sanity-check the endpoint they will dial.
type StunController struct {
	StunServer string
	Log        *zap.Logger
}

// Endpoint handles GET /api/network/endpoint.
func (s *StunController) Endpoint(c *fiber.Ctx) error {
	addr, err := wireguard.DiscoverPublicAddress(s.StunServer)
	if err != nil {
		s.Log.Warn("stun discovery failed", zap.String("server", s.StunServer), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "could not discover public endpoint",
		})
	}
	return c.JSON(fiber.Map{"endpoint": addr})
}
