package models

import "time"

// User is a registered account. Every user carries a WireGuard keypair,
// minted at registration, so joining a room never has to wait on key
// generation.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Email        string    `gorm:"size:100;uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"size:100;not null" json:"-"`
	PrivateKey   string    `gorm:"size:64" json:"-"`
	PublicKey    string    `gorm:"size:64" json:"public_key"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Password carries the plaintext during register/login requests and is
	// never persisted.
	Password string `gorm:"-" json:"password,omitempty"`
}

// FriendshipStatus values for Friendship.Status.
const (
	FriendshipPending  = "pending"
	FriendshipAccepted = "accepted"
	FriendshipDeclined = "declined"
)

type Friendship struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null;uniqueIndex:uniq_friendship" json:"user_id"`
	FriendID  uint      `gorm:"index;not null;uniqueIndex:uniq_friendship" json:"friend_id"`
	Status    string    `gorm:"size:20;default:pending" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Room is a named, capacity-bounded session container. NetworkConfigID is
// nil until a VPN segment has been provisioned for it, and the referenced
// config may be recycled by a later room after this one closes.
type Room struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"size:100;uniqueIndex;not null" json:"name"`
	OwnerUsername   string    `gorm:"size:100;index;not null" json:"owner_username"`
	Description     string    `gorm:"type:text" json:"description"`
	IsPrivate       bool      `gorm:"default:false" json:"is_private"`
	Password        string    `gorm:"size:100" json:"-"`
	MaxPlayers      int       `gorm:"default:8" json:"max_players"`
	CurrentPlayers  int       `gorm:"default:0" json:"current_players"`
	NetworkConfigID *uint     `gorm:"index" json:"network_config_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Players  []RoomPlayer  `gorm:"constraint:OnDelete:CASCADE" json:"players,omitempty"`
	Messages []ChatMessage `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// RoomPlayer is one user's membership in a room. The row id doubles as the
// host-failover tie-break: when the host leaves, the surviving member with
// the lowest id is promoted. Username is globally unique, not per room: a
// user belongs to at most one room, and the index backstops the
// coordinator's per-user serialization.
type RoomPlayer struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	RoomID   uint      `gorm:"index;not null" json:"room_id"`
	Username string    `gorm:"size:100;not null;uniqueIndex" json:"username"`
	IsHost   bool      `gorm:"default:false" json:"is_host"`
	JoinedAt time.Time `json:"joined_at"`
}

type ChatMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RoomID    uint      `gorm:"index;not null" json:"room_id"`
	Username  string    `gorm:"size:100;not null" json:"username"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NetworkConfig is one allocated VPN segment: a /24 with the server on .1,
// a listen port, and the server keypair. Inactive rows sit in a free pool
// and are reused before any new subnet or port is minted.
type NetworkConfig struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	NetworkName string    `gorm:"size:100;uniqueIndex;not null" json:"network_name"`
	PrivateKey  string    `gorm:"size:64;not null" json:"-"`
	PublicKey   string    `gorm:"size:64;not null" json:"public_key"`
	ServerIP    string    `gorm:"size:100;not null" json:"server_ip"`
	ListenPort  int       `gorm:"not null" json:"listen_port"`
	IsActive    bool      `gorm:"default:false;index" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Peers []NetworkPeer `gorm:"constraint:OnDelete:CASCADE" json:"peers,omitempty"`
}

// NetworkPeer is a user's address/key registration inside one segment.
type NetworkPeer struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	NetworkConfigID uint      `gorm:"index;not null" json:"network_config_id"`
	Username        string    `gorm:"size:100;index;not null" json:"username"`
	PublicKey       string    `gorm:"size:64;not null" json:"public_key"`
	AllowedIPs      string    `gorm:"size:100;not null" json:"allowed_ips"`
	CreatedAt       time.Time `json:"created_at"`
}
