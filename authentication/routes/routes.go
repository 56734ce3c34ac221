package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"lanlobby/authentication/controllers"
	"lanlobby/authentication/middleware"
	"lanlobby/handlers"
	"lanlobby/realtime"
)

// Deps carries everything the route table needs.
type Deps struct {
	Auth      *controllers.AuthController
	Stun      *controllers.StunController
	Rooms     *handlers.RoomHandler
	Friends   *handlers.FriendHandler
	Gateway   *realtime.Gateway
	JWTSecret string
}

func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/api/register", d.Auth.Register)
	app.Post("/api/login", d.Auth.Login)

	auth := middleware.JwtAuthMiddleware(d.JWTSecret)

	app.Get("/api/user", auth, d.Auth.User)
	app.Get("/api/network/endpoint", auth, d.Stun.Endpoint)

	app.Get("/api/rooms", auth, d.Rooms.ListRooms)
	app.Post("/api/rooms", auth, d.Rooms.CreateRoom)
	app.Get("/api/rooms/:id", auth, d.Rooms.GetRoom)
	app.Post("/api/rooms/:id/join", auth, d.Rooms.JoinRoom)
	app.Post("/api/rooms/:id/leave", auth, d.Rooms.LeaveRoom)
	app.Get("/api/rooms/:id/messages", auth, d.Rooms.Messages)

	app.Post("/api/friends", auth, d.Friends.Request)
	app.Get("/api/friends", auth, d.Friends.List)
	app.Post("/api/friends/:id/respond", auth, d.Friends.Respond)
	app.Delete("/api/friends/:id", auth, d.Friends.Remove)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(d.Gateway.Handler()))
}
