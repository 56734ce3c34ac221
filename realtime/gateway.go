package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanlobby/domain"
	"lanlobby/models"
	"lanlobby/presence"
	"lanlobby/repositories"
)

// Request payloads, one struct per event, decoded and validated at the
// boundary before anything touches the coordinator.

type joinRequest struct {
	RoomID   uint   `json:"room_id"`
	Username string `json:"username"`
}

type leaveRequest struct {
	RoomID   uint   `json:"room_id"`
	Username string `json:"username"`
}

type heartbeatRequest struct {
	RoomID   uint   `json:"room_id,omitempty"`
	Username string `json:"username,omitempty"`
}

type sendMessageRequest struct {
	RoomID   uint   `json:"room_id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

type checkPlayerRequest struct {
	RoomID   uint   `json:"room_id"`
	Username string `json:"username"`
}

type startGameRequest struct {
	RoomID   uint   `json:"room_id"`
	Username string `json:"username"`
}

// Gateway owns the websocket endpoint. Every connection gets a generated
// conn id, is tracked in the session registry, and is served by a read
// loop that dispatches events to the coordinator.
type Gateway struct {
	hub   *Hub
	coord *presence.Coordinator
	store repositories.RoomStore
	log   *zap.Logger
}

func NewGateway(hub *Hub, coord *presence.Coordinator, store repositories.RoomStore, log *zap.Logger) *Gateway {
	return &Gateway{hub: hub, coord: coord, store: store, log: log}
}

// Handler returns the fiber handler for the websocket route.
func (g *Gateway) Handler() func(*websocket.Conn) {
	return g.serve
}

func (g *Gateway) serve(conn *websocket.Conn) {
	connID := uuid.NewString()
	c := &client{id: connID, conn: conn, send: make(chan Envelope, 32)}
	g.hub.register(c)
	g.coord.Track(connID)
	g.log.Info("connection opened", zap.String("conn_id", connID))

	g.hub.ToConn(connID, presence.EventServerReady, map[string]string{"sid": connID})

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		g.coord.Disconnect(ctx, connID)
		g.hub.unregister(connID)
		g.log.Info("connection closed", zap.String("conn_id", connID))
	}()

	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Warn("read failed", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		g.dispatch(conn, connID, frame.Event, frame.Data)
	}
}

func (g *Gateway) dispatch(conn *websocket.Conn, connID, event string, data json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch event {
	case "join":
		var req joinRequest
		if !g.decode(connID, data, &req) {
			return
		}
		state, err := g.coord.AttachToRoom(ctx, connID, req.Username, req.RoomID)
		if err != nil {
			g.fail(connID, err)
			return
		}
		g.hub.ToConn(connID, presence.EventJoinSuccess, state)

	case "leave":
		var req leaveRequest
		if !g.decode(connID, data, &req) {
			return
		}
		if err := g.coord.Leave(ctx, req.RoomID, req.Username); err != nil {
			g.fail(connID, err)
			return
		}
		g.hub.LeaveGroup(connID, req.RoomID)
		g.coord.Track(connID)

	case "heartbeat":
		var req heartbeatRequest
		if len(data) > 0 && !g.decode(connID, data, &req) {
			return
		}
		g.coord.Heartbeat(connID, req.Username, req.RoomID)

	case "send_message":
		var req sendMessageRequest
		if !g.decode(connID, data, &req) {
			return
		}
		g.handleMessage(connID, req)

	case "check_player":
		var req checkPlayerRequest
		if !g.decode(connID, data, &req) {
			return
		}
		g.hub.ToConn(connID, "player_status", map[string]interface{}{
			"room_id":  req.RoomID,
			"username": req.Username,
			"in_room":  g.coord.IsMember(req.RoomID, req.Username),
		})

	case "start_game":
		var req startGameRequest
		if !g.decode(connID, data, &req) {
			return
		}
		g.handleStartGame(connID, req)

	default:
		g.log.Debug("unknown event", zap.String("conn_id", connID), zap.String("event", event))
	}
}

func (g *Gateway) handleMessage(connID string, req sendMessageRequest) {
	if req.Message == "" || req.Username == "" || req.RoomID == 0 {
		g.fail(connID, errors.New("message, username and room_id are required"))
		return
	}
	if !g.coord.IsMember(req.RoomID, req.Username) {
		g.fail(connID, domain.ErrUnauthorized)
		return
	}
	msg := &models.ChatMessage{
		RoomID:    req.RoomID,
		Username:  req.Username,
		Message:   req.Message,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.AddMessage(msg); err != nil {
		g.log.Error("message persist failed", zap.Uint("room_id", req.RoomID), zap.Error(err))
		g.fail(connID, errors.New("could not store message"))
		return
	}
	g.hub.ToRoom(req.RoomID, presence.EventNewMessage, presence.NewMessagePayload{
		RoomID:    req.RoomID,
		Username:  req.Username,
		Message:   req.Message,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339),
	})
}

// handleStartGame lets only the current host launch the game for the room.
func (g *Gateway) handleStartGame(connID string, req startGameRequest) {
	players, err := g.coord.Players(req.RoomID)
	if err != nil {
		g.fail(connID, err)
		return
	}
	isHost := false
	for _, p := range players {
		if p.Username == req.Username && p.IsHost {
			isHost = true
			break
		}
	}
	if !isHost {
		g.fail(connID, errors.New("only the host can start the game"))
		return
	}
	g.hub.ToRoom(req.RoomID, presence.EventGameStarted, presence.GameStartedPayload{
		RoomID:    req.RoomID,
		Host:      req.Username,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) decode(connID string, data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		g.fail(connID, errors.New("malformed payload"))
		return false
	}
	return true
}

func (g *Gateway) fail(connID string, err error) {
	g.hub.ToConn(connID, "error", domain.ErrorResponse{Message: err.Error()})
}
