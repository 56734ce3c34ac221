package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lanlobby/database"
	"lanlobby/domain"
	"lanlobby/ipmanager"
	"lanlobby/models"
	"lanlobby/repositories"
	"lanlobby/wireguard"
)

// stubTool satisfies wireguard.Tool without touching any interfaces.
type stubTool struct {
	mu           sync.Mutex
	ups          int
	downs        int
	registered   int
	deregistered int

	failUp         error
	failRegister   error
	failDeregister error
}

func (s *stubTool) BringUp(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUp != nil {
		return s.failUp
	}
	s.ups++
	return nil
}

func (s *stubTool) BringDown(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downs++
	return nil
}

func (s *stubTool) RegisterPeer(context.Context, string, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegister != nil {
		return s.failRegister
	}
	s.registered++
	return nil
}

func (s *stubTool) DeregisterPeer(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeregister != nil {
		return s.failDeregister
	}
	s.deregistered++
	return nil
}

type recEvent struct {
	scope  string
	roomID uint
	connID string
	event  string
}

type recBroadcaster struct {
	mu     sync.Mutex
	events []recEvent
}

func (b *recBroadcaster) ToRoom(roomID uint, event string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recEvent{scope: "room", roomID: roomID, event: event})
}

func (b *recBroadcaster) ToConn(connID string, event string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recEvent{scope: "conn", connID: connID, event: event})
}

func (b *recBroadcaster) ToAll(event string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recEvent{scope: "all", event: event})
}

func (b *recBroadcaster) JoinGroup(string, uint)  {}
func (b *recBroadcaster) LeaveGroup(string, uint) {}

func (b *recBroadcaster) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	coord *Coordinator
	store repositories.RoomStore
	users repositories.UserStore
	prov  *wireguard.Provisioner
	tool  *stubTool
	bcast *recBroadcaster
	reg   *SessionRegistry
	clock *testClock
	db    *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	tool := &stubTool{}
	prov := wireguard.NewProvisioner(db, ipmanager.New(db), tool, t.TempDir(), time.Second, zap.NewNop())

	clock := newTestClock()
	reg := NewSessionRegistry()
	reg.now = clock.Now
	t.Cleanup(reg.Close)

	bcast := &recBroadcaster{}
	store := repositories.NewGormRoomStore(db)
	users := repositories.NewGormUserStore(db)
	coord := NewCoordinator(store, users, prov, reg, bcast, zap.NewNop(), Options{
		SweepEvery:   20 * time.Second,
		StaleAfter:   40 * time.Second,
		EndpointHost: "203.0.113.9",
	})

	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, users.Create(&models.User{
			Username:     name,
			Email:        name + "@example.com",
			PasswordHash: "irrelevant",
			PrivateKey:   "priv-" + name,
			PublicKey:    "pub-" + name,
		}))
	}

	return &fixture{coord: coord, store: store, users: users, prov: prov, tool: tool, bcast: bcast, reg: reg, clock: clock, db: db}
}

func (f *fixture) createRoom(t *testing.T, owner, name string, max int) *RoomState {
	t.Helper()
	state, err := f.coord.CreateRoom(context.Background(), owner, CreateRoomParams{
		Name:       name,
		MaxPlayers: max,
	})
	require.NoError(t, err)
	return state
}

func (f *fixture) join(t *testing.T, roomID uint, username, connID string) *RoomState {
	t.Helper()
	state, err := f.coord.Join(context.Background(), JoinParams{
		ConnID:   connID,
		RoomID:   roomID,
		Username: username,
	})
	require.NoError(t, err)
	return state
}

func (f *fixture) hostOf(t *testing.T, roomID uint) string {
	t.Helper()
	members, err := f.store.MembersByRoom(roomID)
	require.NoError(t, err)
	host := ""
	for _, m := range members {
		if m.IsHost {
			require.Empty(t, host, "more than one host in room %d", roomID)
			host = m.Username
		}
	}
	return host
}

func TestCreateRoomProvisionsAndJoinsCreator(t *testing.T) {
	f := newFixture(t)

	state := f.createRoom(t, "alice", "first-room", 8)
	assert.True(t, state.IsHost)
	assert.Equal(t, "alice", state.Username)
	require.Len(t, state.Players, 1)

	require.NotNil(t, state.Network)
	assert.Equal(t, "wg-room-1", state.Network.NetworkName)
	assert.Equal(t, "10.1.0.1/24", state.Network.ServerIP)
	assert.Equal(t, 51820, state.Network.ListenPort)
	assert.Equal(t, "10.1.0.2/32", state.Network.AssignedIP)
	assert.Equal(t, "priv-alice", state.Network.PrivateKey)
	assert.Equal(t, "203.0.113.9", state.Network.Endpoint)

	room, err := f.store.GetRoom(state.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, room.CurrentPlayers)
	assert.Equal(t, "alice", room.OwnerUsername)
	assert.Equal(t, 1, f.tool.ups)
	assert.Equal(t, 1, f.tool.registered)
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		params CreateRoomParams
	}{
		{"too short", CreateRoomParams{Name: "ab", MaxPlayers: 8}},
		{"bad characters", CreateRoomParams{Name: "room!@#", MaxPlayers: 8}},
		{"max too low", CreateRoomParams{Name: "valid-name", MaxPlayers: 1}},
		{"max too high", CreateRoomParams{Name: "valid-name", MaxPlayers: 101}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coord.CreateRoom(context.Background(), "alice", tc.params)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCreateRoomRejectsDuplicateName(t *testing.T) {
	f := newFixture(t)
	f.createRoom(t, "alice", "taken", 8)

	_, err := f.coord.CreateRoom(context.Background(), "bob", CreateRoomParams{Name: "taken", MaxPlayers: 8})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateRoomRollsBackWhenProvisioningFails(t *testing.T) {
	f := newFixture(t)
	f.tool.failUp = fmt.Errorf("wg-quick exploded")

	_, err := f.coord.CreateRoom(context.Background(), "alice", CreateRoomParams{Name: "doomed", MaxPlayers: 8})
	assert.ErrorIs(t, err, domain.ErrProvisioningFailed)

	var rooms int64
	require.NoError(t, f.db.Model(&models.Room{}).Count(&rooms).Error)
	assert.Zero(t, rooms)
}

func TestJoinAddsPeer(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)

	state := f.join(t, created.RoomID, "bob", "")
	assert.False(t, state.IsHost)
	assert.Equal(t, "10.1.0.3/32", state.Network.AssignedIP)
	assert.Len(t, state.Players, 2)

	room, err := f.store.GetRoom(created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 2, room.CurrentPlayers)
	assert.GreaterOrEqual(t, f.bcast.count(EventUserJoined), 1)
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)
	f.join(t, created.RoomID, "bob", "")

	again := f.join(t, created.RoomID, "bob", "")
	assert.Equal(t, "10.1.0.3/32", again.Network.AssignedIP)

	room, err := f.store.GetRoom(created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 2, room.CurrentPlayers)

	var peers int64
	require.NoError(t, f.db.Model(&models.NetworkPeer{}).Count(&peers).Error)
	assert.Equal(t, int64(2), peers)
}

func TestJoinChecksPassword(t *testing.T) {
	f := newFixture(t)
	state, err := f.coord.CreateRoom(context.Background(), "alice", CreateRoomParams{
		Name:       "secret-club",
		IsPrivate:  true,
		Password:   "hunter2",
		MaxPlayers: 8,
	})
	require.NoError(t, err)

	_, err = f.coord.Join(context.Background(), JoinParams{RoomID: state.RoomID, Username: "bob", Password: "wrong"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.coord.Join(context.Background(), JoinParams{RoomID: state.RoomID, Username: "bob", Password: "hunter2"})
	assert.NoError(t, err)
}

func TestJoinEnforcesCapacity(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "tiny-room", 2)
	f.join(t, created.RoomID, "bob", "")

	_, err := f.coord.Join(context.Background(), JoinParams{RoomID: created.RoomID, Username: "carol"})
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestJoinUnknownRoomAndUser(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)

	_, err := f.coord.Join(context.Background(), JoinParams{RoomID: 999, Username: "bob"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.coord.Join(context.Background(), JoinParams{RoomID: created.RoomID, Username: "nobody"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJoinRollsBackMemberWhenPeerFails(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)

	f.tool.failRegister = fmt.Errorf("device gone")
	_, err := f.coord.Join(context.Background(), JoinParams{RoomID: created.RoomID, Username: "bob"})
	assert.ErrorIs(t, err, domain.ErrPeerRegistrationFailed)

	_, err = f.store.FindMember(created.RoomID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	room, err := f.store.GetRoom(created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, room.CurrentPlayers)
}

func TestLeavePromotesNextHostByJoinOrder(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)
	f.join(t, created.RoomID, "bob", "")
	f.join(t, created.RoomID, "carol", "")

	require.NoError(t, f.coord.Leave(context.Background(), created.RoomID, "alice"))

	assert.Equal(t, "bob", f.hostOf(t, created.RoomID))
	room, err := f.store.GetRoom(created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, "bob", room.OwnerUsername)
	assert.Equal(t, 2, room.CurrentPlayers)
	assert.Equal(t, 1, f.bcast.count(EventHostChanged))

	// A non-host leaving does not move the host.
	require.NoError(t, f.coord.Leave(context.Background(), created.RoomID, "carol"))
	assert.Equal(t, "bob", f.hostOf(t, created.RoomID))
	assert.Equal(t, 1, f.bcast.count(EventHostChanged))
}

func TestLastLeaveClosesRoomAndRecyclesNetwork(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)
	f.join(t, created.RoomID, "bob", "")

	require.NoError(t, f.store.AddMessage(&models.ChatMessage{
		RoomID: created.RoomID, Username: "alice", Message: "hello",
	}))

	require.NoError(t, f.coord.Leave(context.Background(), created.RoomID, "alice"))
	require.NoError(t, f.coord.Leave(context.Background(), created.RoomID, "bob"))

	_, err := f.store.GetRoom(created.RoomID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, f.bcast.count(EventRoomClosed))

	var cfg models.NetworkConfig
	require.NoError(t, f.db.First(&cfg).Error)
	assert.False(t, cfg.IsActive)

	var peers, msgs int64
	require.NoError(t, f.db.Model(&models.NetworkPeer{}).Count(&peers).Error)
	require.NoError(t, f.db.Model(&models.ChatMessage{}).Count(&msgs).Error)
	assert.Zero(t, peers)
	assert.Zero(t, msgs)

	// The freed segment is handed to the next room unchanged.
	next := f.createRoom(t, "carol", "next-room", 8)
	assert.Equal(t, "wg-room-1", next.Network.NetworkName)
	assert.Equal(t, 51820, next.Network.ListenPort)
}

func TestLeaveProceedsWhenToolFails(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)
	f.join(t, created.RoomID, "bob", "")

	f.tool.failDeregister = fmt.Errorf("device gone")
	require.NoError(t, f.coord.Leave(context.Background(), created.RoomID, "bob"))

	_, err := f.store.FindMember(created.RoomID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJoinReplacesMembershipInOtherRoom(t *testing.T) {
	f := newFixture(t)
	first := f.createRoom(t, "alice", "first-room", 8)
	second := f.createRoom(t, "carol", "second-room", 8)
	f.join(t, first.RoomID, "bob", "")

	f.join(t, second.RoomID, "bob", "")

	_, err := f.store.FindMember(first.RoomID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.FindMember(second.RoomID, "bob")
	assert.NoError(t, err)

	room, err := f.store.GetRoom(first.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, room.CurrentPlayers)
}

func TestSweepReclaimsStaleMembers(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)
	f.join(t, created.RoomID, "bob", "conn-bob")

	f.clock.Advance(45 * time.Second)
	f.coord.Sweep(context.Background())

	_, err := f.store.FindMember(created.RoomID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "alice", f.hostOf(t, created.RoomID))

	_, ok := f.reg.Get("conn-bob")
	assert.False(t, ok)
}

func TestSweepSparesRefreshedSessions(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)
	f.join(t, created.RoomID, "bob", "conn-bob")

	f.clock.Advance(30 * time.Second)
	f.coord.Heartbeat("conn-bob", "", 0)
	f.clock.Advance(15 * time.Second)
	f.coord.Sweep(context.Background())

	_, err := f.store.FindMember(created.RoomID, "bob")
	assert.NoError(t, err)
}

func TestSweepClosesRoomWhenHostGoesStale(t *testing.T) {
	f := newFixture(t)
	state, err := f.coord.CreateRoom(context.Background(), "alice", CreateRoomParams{
		Name: "solo-room", MaxPlayers: 8,
	})
	require.NoError(t, err)
	f.coord.Heartbeat("conn-alice", "alice", state.RoomID)

	f.clock.Advance(45 * time.Second)
	f.coord.Sweep(context.Background())

	_, err = f.store.GetRoom(state.RoomID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, f.bcast.count(EventRoomClosed))
}

func TestDisconnectBehavesLikeLeave(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)
	f.join(t, created.RoomID, "bob", "conn-bob")

	f.coord.Disconnect(context.Background(), "conn-bob")

	_, err := f.store.FindMember(created.RoomID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := f.reg.Get("conn-bob")
	assert.False(t, ok)
}

// flakySaveStore fails SaveRoom a fixed number of times, then delegates.
type flakySaveStore struct {
	repositories.RoomStore
	mu    sync.Mutex
	fails int
}

func (s *flakySaveStore) SaveRoom(room *models.Room) error {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return fmt.Errorf("disk full")
	}
	s.mu.Unlock()
	return s.RoomStore.SaveRoom(room)
}

func TestJoinRollsBackWhenOccupancySaveFails(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)

	flaky := &flakySaveStore{RoomStore: f.store, fails: 1}
	coord := NewCoordinator(flaky, f.users, f.prov, f.reg, f.bcast, zap.NewNop(), Options{
		SweepEvery: 20 * time.Second,
		StaleAfter: 40 * time.Second,
	})

	_, err := coord.Join(context.Background(), JoinParams{RoomID: created.RoomID, Username: "bob"})
	require.Error(t, err)

	_, err = f.store.FindMember(created.RoomID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var peers int64
	require.NoError(t, f.db.Model(&models.NetworkPeer{}).Count(&peers).Error)
	assert.Equal(t, int64(1), peers, "only the creator's peer survives")

	room, err := f.store.GetRoom(created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 1, room.CurrentPlayers)

	members, err := f.store.MembersByRoom(created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, len(members), room.CurrentPlayers)
}

func TestConcurrentJoinsAcrossRoomsKeepOneSeat(t *testing.T) {
	f := newFixture(t)
	first := f.createRoom(t, "alice", "first-room", 8)
	second := f.createRoom(t, "carol", "second-room", 8)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, roomID := range []uint{first.RoomID, second.RoomID} {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			<-start
			_, err := f.coord.Join(context.Background(), JoinParams{RoomID: id, Username: "bob"})
			assert.NoError(t, err)
		}(roomID)
	}
	close(start)
	wg.Wait()

	var seats int64
	require.NoError(t, f.db.Model(&models.RoomPlayer{}).
		Where("username = ?", "bob").Count(&seats).Error)
	assert.Equal(t, int64(1), seats)

	var peers int64
	require.NoError(t, f.db.Model(&models.NetworkPeer{}).
		Where("username = ?", "bob").Count(&peers).Error)
	assert.Equal(t, int64(1), peers)

	for _, id := range []uint{first.RoomID, second.RoomID} {
		room, err := f.store.GetRoom(id)
		require.NoError(t, err)
		members, err := f.store.MembersByRoom(id)
		require.NoError(t, err)
		assert.Equal(t, len(members), room.CurrentPlayers)
	}
}

func TestConcurrentDoubleJoinSameRoom(t *testing.T) {
	f := newFixture(t)
	created := f.createRoom(t, "alice", "game-night", 8)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.coord.Join(context.Background(), JoinParams{RoomID: created.RoomID, Username: "bob"})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	var seats int64
	require.NoError(t, f.db.Model(&models.RoomPlayer{}).
		Where("username = ?", "bob").Count(&seats).Error)
	assert.Equal(t, int64(1), seats)

	var peers int64
	require.NoError(t, f.db.Model(&models.NetworkPeer{}).
		Where("username = ?", "bob").Count(&peers).Error)
	assert.Equal(t, int64(1), peers)

	room, err := f.store.GetRoom(created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 2, room.CurrentPlayers)
	assert.Equal(t, "alice", f.hostOf(t, created.RoomID))
}

func TestHeartbeatTracksUnknownConnections(t *testing.T) {
	f := newFixture(t)

	f.coord.Heartbeat("conn-x", "", 0)
	_, ok := f.reg.Get("conn-x")
	assert.True(t, ok)
}
