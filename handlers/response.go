// Package handlers exposes the lobby over HTTP: room lifecycle, chat
// history, and friend management. Realtime traffic goes through the
// websocket gateway instead.
package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"lanlobby/domain"
)

// respondErr maps the error taxonomy onto HTTP statuses.
func respondErr(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrCapacityExceeded):
		status = fiber.StatusConflict
	case errors.Is(err, domain.ErrResourceExhausted):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrProvisioningFailed),
		errors.Is(err, domain.ErrPeerRegistrationFailed):
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// username pulls the authenticated username set by the JWT middleware.
func username(c *fiber.Ctx) (string, error) {
	name, _ := c.Locals("username").(string)
	if name == "" {
		return "", domain.ErrUnauthorized
	}
	return name, nil
}
