package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"lanlobby/domain"
	"lanlobby/models"
	"lanlobby/repositories"
)

type friendRequestBody struct {
	Username string `json:"username"`
}

type friendRespondBody struct {
	Accept bool `json:"accept"`
}

// FriendView joins the friendship row with the other party's username.
type FriendView struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type FriendHandler struct {
	friends repositories.FriendStore
	users   repositories.UserStore
	log     *zap.Logger
}

func NewFriendHandler(friends repositories.FriendStore, users repositories.UserStore, log *zap.Logger) *FriendHandler {
	return &FriendHandler{friends: friends, users: users, log: log}
}

// Request handles POST /api/friends: sends a friend request by username.
func (h *FriendHandler) Request(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	var body friendRequestBody
	if err := c.BodyParser(&body); err != nil || body.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "username is required",
		})
	}
	if body.Username == name {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "cannot friend yourself",
		})
	}

	me, err := h.users.GetByUsername(name)
	if err != nil {
		return respondErr(c, err)
	}
	other, err := h.users.GetByUsername(body.Username)
	if err != nil {
		return respondErr(c, err)
	}

	if existing, err := h.friends.Between(me.ID, other.ID); err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "friendship already exists",
			"status": existing.Status,
		})
	}

	f := &models.Friendship{UserID: me.ID, FriendID: other.ID, Status: models.FriendshipPending}
	if err := h.friends.Create(f); err != nil {
		return respondErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(f)
}

// Respond handles POST /api/friends/:id/respond: accept or decline a
// pending request addressed to the caller.
func (h *FriendHandler) Respond(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return respondErr(c, domain.ErrValidation)
	}
	var body friendRespondBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to parse request body",
		})
	}

	me, err := h.users.GetByUsername(name)
	if err != nil {
		return respondErr(c, err)
	}
	f, err := h.friends.Get(uint(id))
	if err != nil {
		return respondErr(c, err)
	}
	if f.FriendID != me.ID {
		return respondErr(c, domain.ErrUnauthorized)
	}
	if f.Status != models.FriendshipPending {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "request already answered",
		})
	}

	if body.Accept {
		f.Status = models.FriendshipAccepted
	} else {
		f.Status = models.FriendshipDeclined
	}
	if err := h.friends.Save(f); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(f)
}

// List handles GET /api/friends: accepted friends plus pending requests
// awaiting the caller.
func (h *FriendHandler) List(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	me, err := h.users.GetByUsername(name)
	if err != nil {
		return respondErr(c, err)
	}

	accepted, err := h.friends.ListForUser(me.ID, models.FriendshipAccepted)
	if err != nil {
		return respondErr(c, err)
	}
	pending, err := h.friends.PendingFor(me.ID)
	if err != nil {
		return respondErr(c, err)
	}

	return c.JSON(fiber.Map{
		"friends": h.views(me.ID, accepted),
		"pending": h.views(me.ID, pending),
	})
}

// Remove handles DELETE /api/friends/:id.
func (h *FriendHandler) Remove(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return respondErr(c, domain.ErrValidation)
	}
	me, err := h.users.GetByUsername(name)
	if err != nil {
		return respondErr(c, err)
	}
	f, err := h.friends.Get(uint(id))
	if err != nil {
		return respondErr(c, err)
	}
	if f.UserID != me.ID && f.FriendID != me.ID {
		return respondErr(c, domain.ErrUnauthorized)
	}
	if err := h.friends.Delete(f.ID); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(fiber.Map{"status": "removed"})
}

func (h *FriendHandler) views(selfID uint, rows []models.Friendship) []FriendView {
	out := make([]FriendView, 0, len(rows))
	for _, f := range rows {
		otherID := f.UserID
		if otherID == selfID {
			otherID = f.FriendID
		}
		view := FriendView{ID: f.ID, Status: f.Status}
		if u, err := h.users.GetByID(otherID); err == nil {
			view.Username = u.Username
		}
		out = append(out, view)
	}
	return out
}
