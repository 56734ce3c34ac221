package handlers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lanlobby/domain"
	"lanlobby/models"
	"lanlobby/presence"
	"lanlobby/repositories"
)

const (
	roomListCacheKey = "lobby:rooms"
	roomListCacheTTL = 30 * time.Second
)

// RoomSummary is the public listing view; passwords and network details
// never leave the server here.
type RoomSummary struct {
	ID             uint   `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Owner          string `json:"owner"`
	IsPrivate      bool   `json:"is_private"`
	CurrentPlayers int    `json:"current_players"`
	MaxPlayers     int    `json:"max_players"`
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
	Password    string `json:"password"`
	MaxPlayers  int    `json:"max_players"`
}

type joinRoomRequest struct {
	Password string `json:"password"`
}

type RoomHandler struct {
	coord      *presence.Coordinator
	store      repositories.RoomStore
	cache      *redis.Client // nil disables caching
	defaultMax int
	log        *zap.Logger
}

func NewRoomHandler(coord *presence.Coordinator, store repositories.RoomStore, cache *redis.Client, defaultMax int, log *zap.Logger) *RoomHandler {
	return &RoomHandler{coord: coord, store: store, cache: cache, defaultMax: defaultMax, log: log}
}

// ListRooms handles GET /api/rooms with a redis read-through cache.
func (h *RoomHandler) ListRooms(c *fiber.Ctx) error {
	if h.cache != nil {
		if cached, err := h.cache.Get(c.Context(), roomListCacheKey).Bytes(); err == nil {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Send(cached)
		}
	}

	summaries, err := h.buildSummaries()
	if err != nil {
		return respondErr(c, err)
	}
	if h.cache != nil {
		if body, err := json.Marshal(summaries); err == nil {
			if err := h.cache.Set(c.Context(), roomListCacheKey, body, roomListCacheTTL).Err(); err != nil {
				h.log.Warn("room list cache write failed", zap.Error(err))
			}
		}
	}
	return c.JSON(summaries)
}

func (h *RoomHandler) buildSummaries() ([]RoomSummary, error) {
	rooms, err := h.store.ListRooms()
	if err != nil {
		return nil, err
	}
	summaries := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		summaries = append(summaries, RoomSummary{
			ID:             r.ID,
			Name:           r.Name,
			Description:    r.Description,
			Owner:          r.OwnerUsername,
			IsPrivate:      r.IsPrivate,
			CurrentPlayers: r.CurrentPlayers,
			MaxPlayers:     r.MaxPlayers,
		})
	}
	return summaries, nil
}

// RefreshCache rewrites the room list cache; main runs it on a ticker so
// listings stay warm between invalidations.
func (h *RoomHandler) RefreshCache(ctx context.Context) {
	if h.cache == nil {
		return
	}
	summaries, err := h.buildSummaries()
	if err != nil {
		h.log.Warn("room list cache refresh failed", zap.Error(err))
		return
	}
	body, err := json.Marshal(summaries)
	if err != nil {
		return
	}
	if err := h.cache.Set(ctx, roomListCacheKey, body, roomListCacheTTL).Err(); err != nil {
		h.log.Warn("room list cache write failed", zap.Error(err))
	}
}

func (h *RoomHandler) invalidateCache(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Del(ctx, roomListCacheKey).Err(); err != nil {
		h.log.Warn("room list cache invalidation failed", zap.Error(err))
	}
}

// CreateRoom handles POST /api/rooms.
func (h *RoomHandler) CreateRoom(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req createRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to parse request body",
		})
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = h.defaultMax
	}

	state, err := h.coord.CreateRoom(c.Context(), name, presence.CreateRoomParams{
		Name:        req.Name,
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
		Password:    req.Password,
		MaxPlayers:  req.MaxPlayers,
	})
	if err != nil {
		return respondErr(c, err)
	}
	h.invalidateCache(c.Context())
	return c.Status(fiber.StatusCreated).JSON(state)
}

// JoinRoom handles POST /api/rooms/:id/join. Realtime attachment happens
// separately over the websocket once this succeeds.
func (h *RoomHandler) JoinRoom(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	roomID, err := parseRoomID(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req joinRoomRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "failed to parse request body",
			})
		}
	}

	state, err := h.coord.Join(c.Context(), presence.JoinParams{
		RoomID:   roomID,
		Username: name,
		Password: req.Password,
	})
	if err != nil {
		return respondErr(c, err)
	}
	h.invalidateCache(c.Context())
	return c.JSON(state)
}

// LeaveRoom handles POST /api/rooms/:id/leave.
func (h *RoomHandler) LeaveRoom(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	roomID, err := parseRoomID(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := h.coord.Leave(c.Context(), roomID, name); err != nil {
		return respondErr(c, err)
	}
	h.invalidateCache(c.Context())
	return c.JSON(fiber.Map{"status": "left"})
}

// GetRoom handles GET /api/rooms/:id.
func (h *RoomHandler) GetRoom(c *fiber.Ctx) error {
	roomID, err := parseRoomID(c)
	if err != nil {
		return respondErr(c, err)
	}
	room, err := h.store.GetRoom(roomID)
	if err != nil {
		return respondErr(c, err)
	}
	players, err := h.coord.Players(roomID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(fiber.Map{
		"room": RoomSummary{
			ID:             room.ID,
			Name:           room.Name,
			Description:    room.Description,
			Owner:          room.OwnerUsername,
			IsPrivate:      room.IsPrivate,
			CurrentPlayers: room.CurrentPlayers,
			MaxPlayers:     room.MaxPlayers,
		},
		"players": players,
	})
}

// Messages handles GET /api/rooms/:id/messages. Only members may read
// chat history.
func (h *RoomHandler) Messages(c *fiber.Ctx) error {
	name, err := username(c)
	if err != nil {
		return respondErr(c, err)
	}
	roomID, err := parseRoomID(c)
	if err != nil {
		return respondErr(c, err)
	}
	if !h.coord.IsMember(roomID, name) {
		return respondErr(c, domain.ErrUnauthorized)
	}
	limit := c.QueryInt("limit", 50)
	msgs, err := h.store.MessagesByRoom(roomID, limit)
	if err != nil {
		return respondErr(c, err)
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	return c.JSON(msgs)
}

func parseRoomID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, domain.ErrValidation
	}
	return uint(id), nil
}
