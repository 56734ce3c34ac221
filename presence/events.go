package presence

// Event names emitted to the realtime channel. The coordinator publishes
// these through a Broadcaster; the realtime gateway serializes them.
const (
	EventServerReady   = "server_ready"
	EventJoinSuccess   = "join_success"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventUpdatePlayers = "update_players"
	EventHostChanged   = "host_changed"
	EventRoomClosed    = "room_closed"
	EventUpdateRooms   = "update_rooms"
	EventNewMessage    = "new_message"
	EventGameStarted   = "game_started"
)

// Broadcaster is the realtime fan-out surface the coordinator publishes to.
// Implementations must not call back into the coordinator.
type Broadcaster interface {
	ToRoom(roomID uint, event string, payload any)
	ToConn(connID string, event string, payload any)
	ToAll(event string, payload any)
	JoinGroup(connID string, roomID uint)
	LeaveGroup(connID string, roomID uint)
}

// PlayerInfo is the membership view broadcast to room members.
type PlayerInfo struct {
	Username string `json:"username"`
	IsHost   bool   `json:"is_host"`
}

type UserJoinedPayload struct {
	Username string `json:"username"`
	RoomID   uint   `json:"room_id"`
}

type UserLeftPayload struct {
	Username string `json:"username"`
	RoomID   uint   `json:"room_id"`
}

type UpdatePlayersPayload struct {
	Players []PlayerInfo `json:"players"`
}

type HostChangedPayload struct {
	NewHost string `json:"new_host"`
	RoomID  uint   `json:"room_id"`
}

type RoomClosedPayload struct {
	RoomID uint `json:"room_id"`
}

type NewMessagePayload struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	RoomID    uint   `json:"room_id"`
	CreatedAt string `json:"created_at"`
}

type GameStartedPayload struct {
	RoomID    uint   `json:"room_id"`
	Host      string `json:"host"`
	StartedAt string `json:"started_at"`
}

// NopBroadcaster discards everything; used by HTTP-only deployments and
// tests that do not care about fan-out.
type NopBroadcaster struct{}

func (NopBroadcaster) ToRoom(uint, string, any)   {}
func (NopBroadcaster) ToConn(string, string, any) {}
func (NopBroadcaster) ToAll(string, any)          {}
func (NopBroadcaster) JoinGroup(string, uint)     {}
func (NopBroadcaster) LeaveGroup(string, uint)    {}
