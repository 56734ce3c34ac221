// Package presence coordinates room membership with live-connection
// tracking: who is in which room, which connections are still alive, and
// what has to happen to the room's VPN segment when that changes. Durable
// state lives in the room store; the session registry here is ephemeral and
// rebuilt empty on restart.
package presence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlobby/domain"
	"lanlobby/models"
	"lanlobby/repositories"
)

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\s-]+$`)

// NetworkProvisioner is the slice of the VPN provisioner the coordinator
// drives on membership transitions.
type NetworkProvisioner interface {
	ProvisionNetwork(ctx context.Context) (*models.NetworkConfig, error)
	AddPeer(ctx context.Context, cfg *models.NetworkConfig, username, publicKey string) (*models.NetworkPeer, error)
	RemovePeer(ctx context.Context, cfg *models.NetworkConfig, username string) error
	ReleaseNetwork(ctx context.Context, cfg *models.NetworkConfig) error
}

type Coordinator struct {
	store    repositories.RoomStore
	users    repositories.UserStore
	prov     NetworkProvisioner
	sessions *SessionRegistry
	bcast    Broadcaster
	log      *zap.Logger

	sweepEvery   time.Duration
	staleAfter   time.Duration
	endpointHost string // public address advertised to clients, may be empty

	locks     keyedLocks[uint]
	userLocks keyedLocks[string]
}

type Options struct {
	SweepEvery   time.Duration
	StaleAfter   time.Duration
	EndpointHost string
}

func NewCoordinator(store repositories.RoomStore, users repositories.UserStore, prov NetworkProvisioner, sessions *SessionRegistry, bcast Broadcaster, log *zap.Logger, opts Options) *Coordinator {
	if bcast == nil {
		bcast = NopBroadcaster{}
	}
	return &Coordinator{
		store:        store,
		users:        users,
		prov:         prov,
		sessions:     sessions,
		bcast:        bcast,
		log:          log,
		sweepEvery:   opts.SweepEvery,
		staleAfter:   opts.StaleAfter,
		endpointHost: opts.EndpointHost,
		locks:        newKeyedLocks[uint](),
		userLocks:    newKeyedLocks[string](),
	}
}

// RoomState is what a member gets back from create/join: the membership
// view plus everything needed to bring their side of the tunnel up.
type RoomState struct {
	RoomID     uint           `json:"room_id"`
	Name       string         `json:"room_name"`
	Username   string         `json:"username"`
	IsHost     bool           `json:"is_host"`
	MaxPlayers int            `json:"max_players"`
	Players    []PlayerInfo   `json:"players"`
	Network    *NetworkAccess `json:"network,omitempty"`
}

type NetworkAccess struct {
	NetworkName     string `json:"network_name"`
	ServerPublicKey string `json:"server_public_key"`
	ServerIP        string `json:"server_ip"`
	ListenPort      int    `json:"listen_port"`
	Endpoint        string `json:"endpoint,omitempty"`
	AssignedIP      string `json:"assigned_ip"`
	PrivateKey      string `json:"private_key"`
	PublicKey       string `json:"public_key"`
}

type CreateRoomParams struct {
	Name        string
	Description string
	IsPrivate   bool
	Password    string
	MaxPlayers  int
}

// CreateRoom provisions a VPN segment, creates the room, and joins the
// creator as host. Any failure after the segment is up unwinds completely:
// the room row is removed and the segment returns to the free pool.
func (c *Coordinator) CreateRoom(ctx context.Context, username string, p CreateRoomParams) (*RoomState, error) {
	if len(p.Name) < 3 || !roomNamePattern.MatchString(p.Name) {
		return nil, fmt.Errorf("%w: room name must be at least 3 characters (letters, digits, _, -, space)", domain.ErrValidation)
	}
	if p.MaxPlayers < 2 || p.MaxPlayers > 100 {
		return nil, fmt.Errorf("%w: max_players must be between 2 and 100", domain.ErrValidation)
	}

	user, err := c.users.GetByUsername(username)
	if err != nil {
		return nil, err
	}

	releaseUser := c.userLocks.acquire(username)
	defer releaseUser()

	// A user sits in at most one room; creating while still a member of
	// another room returns that room instead of leaking a second seat.
	if existing, err := c.store.FindMembership(username); err == nil {
		if room, err := c.store.GetRoom(existing.RoomID); err == nil {
			release := c.locks.acquire(room.ID)
			state, err := c.buildState(room, existing, user, true)
			release()
			return state, err
		}
		// Membership row pointing at a vanished room; discard and move on.
		c.store.RemoveMember(existing.ID)
	}

	if _, err := c.store.GetRoomByName(p.Name); err == nil {
		return nil, fmt.Errorf("%w: room name already exists", domain.ErrValidation)
	}

	cfg, err := c.prov.ProvisionNetwork(ctx)
	if err != nil {
		return nil, err
	}

	room := &models.Room{
		Name:            p.Name,
		OwnerUsername:   username,
		Description:     p.Description,
		IsPrivate:       p.IsPrivate,
		Password:        p.Password,
		MaxPlayers:      p.MaxPlayers,
		NetworkConfigID: &cfg.ID,
	}
	if err := c.store.CreateRoom(room); err != nil {
		c.releaseBestEffort(ctx, cfg, room)
		return nil, fmt.Errorf("creating room: %w", err)
	}

	release := c.locks.acquire(room.ID)
	state, err := c.joinLocked(ctx, room, user, "")
	release()
	if err != nil {
		c.store.DeleteRoom(room.ID)
		c.releaseBestEffort(ctx, cfg, room)
		return nil, err
	}

	c.log.Info("room created",
		zap.Uint("room_id", room.ID),
		zap.String("name", room.Name),
		zap.String("owner", username),
		zap.String("network", cfg.NetworkName))
	c.bcast.ToAll(EventUpdateRooms, struct{}{})
	return state, nil
}

type JoinParams struct {
	ConnID   string // optional; empty for HTTP joins
	RoomID   uint
	Username string
	Password string
}

// Join admits a user into a room: validation, capacity and password checks,
// peer provisioning, host assignment for the first member. Re-joining a
// room the user is already in is idempotent. Any provisioning failure rolls
// the membership back so the caller never observes a member without
// network access.
func (c *Coordinator) Join(ctx context.Context, p JoinParams) (*RoomState, error) {
	if p.RoomID == 0 || p.Username == "" {
		return nil, fmt.Errorf("%w: missing room_id or username", domain.ErrValidation)
	}
	user, err := c.users.GetByUsername(p.Username)
	if err != nil {
		return nil, err
	}

	// All membership transitions for one user are serialized here, so two
	// concurrent joins into different rooms cannot both pass the
	// membership check below and leave the user seated twice.
	releaseUser := c.userLocks.acquire(p.Username)
	defer releaseUser()

	// An abandoned membership in another room is removed first; a user is
	// a member of at most one room at a time.
	if stale, err := c.store.FindMembership(p.Username); err == nil && stale.RoomID != p.RoomID {
		c.log.Info("removing stale membership before join",
			zap.String("username", p.Username),
			zap.Uint("stale_room_id", stale.RoomID),
			zap.Uint("room_id", p.RoomID))
		if err := c.Leave(ctx, stale.RoomID, p.Username); err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.log.Warn("stale membership cleanup failed", zap.Error(err))
		}
	}

	release := c.locks.acquire(p.RoomID)
	defer release()

	room, err := c.store.GetRoom(p.RoomID)
	if err != nil {
		return nil, err
	}
	if room.IsPrivate && room.Password != "" && room.Password != p.Password {
		return nil, fmt.Errorf("%w: invalid room password", domain.ErrUnauthorized)
	}

	if member, err := c.store.FindMember(room.ID, p.Username); err == nil {
		// Idempotent re-join: same state back, no second peer.
		c.attachSession(p.ConnID, p.Username, room.ID)
		return c.buildState(room, member, user, true)
	}

	if room.CurrentPlayers >= room.MaxPlayers {
		return nil, domain.ErrCapacityExceeded
	}

	state, err := c.joinLocked(ctx, room, user, p.ConnID)
	if err != nil {
		return nil, err
	}
	c.bcast.ToAll(EventUpdateRooms, struct{}{})
	return state, nil
}

// joinLocked creates the membership row and provisions the peer. The
// caller holds the room lock.
func (c *Coordinator) joinLocked(ctx context.Context, room *models.Room, user *models.User, connID string) (*RoomState, error) {
	isHost := room.CurrentPlayers == 0

	member := &models.RoomPlayer{
		RoomID:   room.ID,
		Username: user.Username,
		IsHost:   isHost,
		JoinedAt: time.Now().UTC(),
	}
	if err := c.store.AddMember(member); err != nil {
		return nil, fmt.Errorf("adding member: %w", err)
	}

	var cfg *models.NetworkConfig
	if room.NetworkConfigID != nil {
		var err error
		cfg, err = c.store.GetNetworkConfig(*room.NetworkConfigID)
		if err != nil {
			c.store.RemoveMember(member.ID)
			return nil, fmt.Errorf("%w: %v", domain.ErrPeerRegistrationFailed, err)
		}
		if _, err := c.prov.AddPeer(ctx, cfg, user.Username, user.PublicKey); err != nil {
			c.store.RemoveMember(member.ID)
			return nil, err
		}
	}

	room.CurrentPlayers++
	if isHost {
		room.OwnerUsername = user.Username
	}
	if err := c.store.SaveRoom(room); err != nil {
		// Unwind the member and their peer so a failed join leaves no
		// trace, same contract as the peer branch above.
		if cfg != nil {
			if rmErr := c.prov.RemovePeer(ctx, cfg, user.Username); rmErr != nil {
				c.log.Error("join rollback: peer removal failed",
					zap.Uint("room_id", room.ID),
					zap.Uint("config_id", cfg.ID),
					zap.String("username", user.Username),
					zap.Error(rmErr))
			}
		}
		c.store.RemoveMember(member.ID)
		room.CurrentPlayers--
		return nil, fmt.Errorf("updating room occupancy: %w", err)
	}

	c.attachSession(connID, user.Username, room.ID)
	c.bcast.ToRoom(room.ID, EventUserJoined, UserJoinedPayload{Username: user.Username, RoomID: room.ID})
	c.broadcastPlayers(room.ID)

	return c.buildState(room, member, user, true)
}

// AttachToRoom binds a live connection to an existing membership, created
// earlier over HTTP. It does not create members; an unknown membership is
// an error the realtime gateway reports back on the connection.
func (c *Coordinator) AttachToRoom(ctx context.Context, connID, username string, roomID uint) (*RoomState, error) {
	if roomID == 0 || username == "" {
		return nil, fmt.Errorf("%w: missing room_id or username", domain.ErrValidation)
	}
	release := c.locks.acquire(roomID)
	defer release()

	room, err := c.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	member, err := c.store.FindMember(roomID, username)
	if err != nil {
		return nil, err
	}

	c.attachSession(connID, username, roomID)
	c.bcast.ToRoom(roomID, EventUserJoined, UserJoinedPayload{Username: username, RoomID: roomID})
	c.broadcastPlayers(roomID)

	return c.buildState(room, member, nil, false)
}

// Leave removes the user's membership and peer, runs host failover, and
// closes the room when it empties.
func (c *Coordinator) Leave(ctx context.Context, roomID uint, username string) error {
	if roomID == 0 || username == "" {
		return fmt.Errorf("%w: missing room_id or username", domain.ErrValidation)
	}
	release := c.locks.acquire(roomID)
	defer release()

	room, err := c.store.GetRoom(roomID)
	if err != nil {
		return err
	}
	member, err := c.store.FindMember(roomID, username)
	if err != nil {
		return err
	}
	return c.removeMemberLocked(ctx, room, member)
}

// Disconnect handles a transport-level drop: same transition as Leave,
// resolved through the session registry.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	s, ok := c.sessions.Get(connID)
	if !ok {
		return
	}
	defer c.sessions.Dissociate(connID)

	if s.RoomID == 0 || s.Username == "" {
		return
	}
	c.bcast.LeaveGroup(connID, s.RoomID)

	release := c.locks.acquire(s.RoomID)
	defer release()

	room, err := c.store.GetRoom(s.RoomID)
	if err != nil {
		return
	}
	member, err := c.store.FindMember(s.RoomID, s.Username)
	if err != nil {
		return
	}
	if err := c.removeMemberLocked(ctx, room, member); err != nil {
		c.log.Error("disconnect cleanup failed",
			zap.String("conn_id", connID),
			zap.Uint("room_id", s.RoomID),
			zap.String("username", s.Username),
			zap.Error(err))
	}
}

// Heartbeat refreshes liveness and optionally (re)associates the
// connection with a room, e.g. after a gateway restart lost the session.
func (c *Coordinator) Heartbeat(connID, username string, roomID uint) {
	if username != "" && roomID != 0 {
		c.sessions.Associate(connID, username, roomID)
		return
	}
	if !c.sessions.Touch(connID) {
		c.sessions.Track(connID)
	}
}

// Track registers a fresh connection with no room attached.
func (c *Coordinator) Track(connID string) {
	c.sessions.Track(connID)
}

// Run executes the heartbeat sweep until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep treats every session whose heartbeat went stale as a disconnect.
// Staleness is re-checked inside the room lock so a join or heartbeat that
// raced the sweep wins.
func (c *Coordinator) Sweep(ctx context.Context) {
	for _, s := range c.sessions.Stale(c.staleAfter) {
		if s.RoomID == 0 || s.Username == "" {
			if c.sessions.IsStale(s.ConnID, c.staleAfter) {
				c.sessions.Dissociate(s.ConnID)
			}
			continue
		}

		release := c.locks.acquire(s.RoomID)
		if !c.sessions.IsStale(s.ConnID, c.staleAfter) {
			release()
			continue
		}
		c.log.Warn("connection stale, reclaiming",
			zap.String("conn_id", s.ConnID),
			zap.String("username", s.Username),
			zap.Uint("room_id", s.RoomID))

		room, roomErr := c.store.GetRoom(s.RoomID)
		if roomErr == nil {
			if member, err := c.store.FindMember(s.RoomID, s.Username); err == nil {
				if err := c.removeMemberLocked(ctx, room, member); err != nil {
					c.log.Error("stale member cleanup failed",
						zap.Uint("room_id", s.RoomID),
						zap.String("username", s.Username),
						zap.Error(err))
				}
			}
		}
		c.sessions.Dissociate(s.ConnID)
		c.bcast.LeaveGroup(s.ConnID, s.RoomID)
		release()
	}
}

// removeMemberLocked is the single leave/disconnect transition. The caller
// holds the room lock. VPN teardown in here is best-effort: a stuck tunnel
// must never wedge the lobby, so tool failures are logged with enough
// detail for out-of-band remediation and membership changes proceed.
func (c *Coordinator) removeMemberLocked(ctx context.Context, room *models.Room, member *models.RoomPlayer) error {
	wasHost := member.IsHost

	var cfg *models.NetworkConfig
	if room.NetworkConfigID != nil {
		var err error
		cfg, err = c.store.GetNetworkConfig(*room.NetworkConfigID)
		if err != nil {
			c.log.Warn("room references missing network config",
				zap.Uint("room_id", room.ID),
				zap.Uint("config_id", *room.NetworkConfigID))
		}
	}
	if cfg != nil {
		if err := c.prov.RemovePeer(ctx, cfg, member.Username); err != nil {
			c.log.Error("peer removal failed, continuing",
				zap.Uint("room_id", room.ID),
				zap.Uint("config_id", cfg.ID),
				zap.String("username", member.Username),
				zap.String("step", "deregister_peer"),
				zap.Error(err))
		}
	}

	if err := c.store.RemoveMember(member.ID); err != nil {
		return fmt.Errorf("removing member: %w", err)
	}

	members, err := c.store.MembersByRoom(room.ID)
	if err != nil {
		return fmt.Errorf("listing remaining members: %w", err)
	}
	room.CurrentPlayers = len(members)

	if len(members) == 0 {
		if err := c.store.DeleteMessages(room.ID); err != nil {
			c.log.Error("chat cleanup failed",
				zap.Uint("room_id", room.ID), zap.Error(err))
		}
		if cfg != nil {
			if err := c.prov.ReleaseNetwork(ctx, cfg); err != nil {
				c.log.Error("network release failed, config needs reconciliation",
					zap.Uint("room_id", room.ID),
					zap.Uint("config_id", cfg.ID),
					zap.String("step", "release_network"),
					zap.Error(err))
			}
		}
		if err := c.store.DeleteRoom(room.ID); err != nil {
			return fmt.Errorf("deleting empty room: %w", err)
		}
		c.log.Info("room closed",
			zap.Uint("room_id", room.ID), zap.String("name", room.Name))
		c.bcast.ToRoom(room.ID, EventRoomClosed, RoomClosedPayload{RoomID: room.ID})
		c.bcast.ToAll(EventUpdateRooms, struct{}{})
		return nil
	}

	if wasHost {
		// Deterministic failover: first remaining member by insertion order.
		next := members[0]
		next.IsHost = true
		if err := c.store.SaveMember(&next); err != nil {
			return fmt.Errorf("promoting new host: %w", err)
		}
		room.OwnerUsername = next.Username
		c.log.Info("host changed",
			zap.Uint("room_id", room.ID), zap.String("new_host", next.Username))
		c.bcast.ToRoom(room.ID, EventHostChanged, HostChangedPayload{NewHost: next.Username, RoomID: room.ID})
	}
	if err := c.store.SaveRoom(room); err != nil {
		return fmt.Errorf("updating room occupancy: %w", err)
	}

	c.bcast.ToRoom(room.ID, EventUserLeft, UserLeftPayload{Username: member.Username, RoomID: room.ID})
	c.broadcastPlayers(room.ID)
	c.bcast.ToAll(EventUpdateRooms, struct{}{})
	return nil
}

func (c *Coordinator) releaseBestEffort(ctx context.Context, cfg *models.NetworkConfig, room *models.Room) {
	if err := c.prov.ReleaseNetwork(ctx, cfg); err != nil {
		c.log.Error("rollback release failed",
			zap.Uint("config_id", cfg.ID),
			zap.Uint("room_id", room.ID),
			zap.String("step", "release_network"),
			zap.Error(err))
	}
}

func (c *Coordinator) attachSession(connID, username string, roomID uint) {
	if connID == "" {
		return
	}
	c.sessions.Associate(connID, username, roomID)
	c.bcast.JoinGroup(connID, roomID)
}

func (c *Coordinator) broadcastPlayers(roomID uint) {
	players, err := c.Players(roomID)
	if err != nil {
		c.log.Warn("player list broadcast skipped", zap.Uint("room_id", roomID), zap.Error(err))
		return
	}
	c.bcast.ToRoom(roomID, EventUpdatePlayers, UpdatePlayersPayload{Players: players})
}

// Players returns the room's membership view in insertion order.
func (c *Coordinator) Players(roomID uint) ([]PlayerInfo, error) {
	members, err := c.store.MembersByRoom(roomID)
	if err != nil {
		return nil, err
	}
	players := make([]PlayerInfo, 0, len(members))
	for _, m := range members {
		players = append(players, PlayerInfo{Username: m.Username, IsHost: m.IsHost})
	}
	return players, nil
}

// IsMember reports whether the user currently belongs to the room.
func (c *Coordinator) IsMember(roomID uint, username string) bool {
	_, err := c.store.FindMember(roomID, username)
	return err == nil
}

func (c *Coordinator) buildState(room *models.Room, member *models.RoomPlayer, user *models.User, includeNetwork bool) (*RoomState, error) {
	players, err := c.Players(room.ID)
	if err != nil {
		return nil, err
	}
	state := &RoomState{
		RoomID:     room.ID,
		Name:       room.Name,
		Username:   member.Username,
		IsHost:     member.IsHost,
		MaxPlayers: room.MaxPlayers,
		Players:    players,
	}
	if !includeNetwork || room.NetworkConfigID == nil || user == nil {
		return state, nil
	}

	cfg, err := c.store.GetNetworkConfig(*room.NetworkConfigID)
	if err != nil {
		return state, nil
	}
	access := &NetworkAccess{
		NetworkName:     cfg.NetworkName,
		ServerPublicKey: cfg.PublicKey,
		ServerIP:        cfg.ServerIP,
		ListenPort:      cfg.ListenPort,
		Endpoint:        c.endpointHost,
		PrivateKey:      user.PrivateKey,
		PublicKey:       user.PublicKey,
	}
	if peer, err := c.findPeer(cfg.ID, member.Username); err == nil {
		access.AssignedIP = peer.AllowedIPs
	}
	state.Network = access
	return state, nil
}

func (c *Coordinator) findPeer(configID uint, username string) (*models.NetworkPeer, error) {
	cfg, err := c.store.GetNetworkConfig(configID)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Peers {
		if p.Username == username {
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

// keyedLocks serializes transitions per key while letting distinct keys
// proceed in parallel. Entries are reference-counted so the map does not
// grow with every key ever seen. Room and user locks are separate
// instances; when both are held, the user lock is always taken first.
type keyedLocks[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks[K comparable]() keyedLocks[K] {
	return keyedLocks[K]{entries: make(map[K]*lockEntry)}
}

func (l *keyedLocks[K]) acquire(key K) (release func()) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
