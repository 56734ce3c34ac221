package ipmanager

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lanlobby/database"
	"lanlobby/domain"
	"lanlobby/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func testKeys() (string, string, error) {
	return "test-private-key", "test-public-key", nil
}

func TestAcquireConfigMintsSequentially(t *testing.T) {
	alloc := New(newTestDB(t))

	for i := 1; i <= 3; i++ {
		cfg, reused, err := alloc.AcquireConfig(testKeys)
		require.NoError(t, err)
		assert.False(t, reused)
		assert.Equal(t, fmt.Sprintf("10.%d.0.1/24", i), cfg.ServerIP)
		assert.Equal(t, PortMin+i-1, cfg.ListenPort)
		assert.Equal(t, fmt.Sprintf("wg-room-%d", cfg.ID), cfg.NetworkName)
		assert.True(t, cfg.IsActive)
	}
}

func TestAcquireConfigReusesLowestInactive(t *testing.T) {
	db := newTestDB(t)
	alloc := New(db)

	first, _, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)
	second, _, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.NetworkConfig{}).
		Where("id IN ?", []uint{first.ID, second.ID}).
		Update("is_active", false).Error)

	cfg, reused, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, cfg.ID)
	assert.True(t, cfg.IsActive)
}

func TestAcquireConfigFillsSubnetGap(t *testing.T) {
	db := newTestDB(t)
	alloc := New(db)

	require.NoError(t, db.Create(&models.NetworkConfig{
		NetworkName: "wg-room-100", ServerIP: "10.1.0.1/24", ListenPort: 51820, IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&models.NetworkConfig{
		NetworkName: "wg-room-101", ServerIP: "10.3.0.1/24", ListenPort: 51822, IsActive: true,
	}).Error)

	cfg, _, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)
	assert.Equal(t, "10.2.0.1/24", cfg.ServerIP)
	assert.Equal(t, 51821, cfg.ListenPort)
}

func TestAcquireConfigPortPoolExhausted(t *testing.T) {
	db := newTestDB(t)
	alloc := New(db)

	for p := PortMin; p < PortMax; p++ {
		require.NoError(t, db.Create(&models.NetworkConfig{
			NetworkName: fmt.Sprintf("wg-room-x%d", p),
			ServerIP:    fmt.Sprintf("10.%d.0.1/24", p-PortMin+1),
			ListenPort:  p,
			IsActive:    true,
		}).Error)
	}

	_, _, err := alloc.AcquireConfig(testKeys)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
}

func TestAllocatePeerAddressLowestFree(t *testing.T) {
	db := newTestDB(t)
	alloc := New(db)

	cfg, _, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)

	addr, err := alloc.AllocatePeerAddress(cfg)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.2/32", addr)

	require.NoError(t, db.Create(&models.NetworkPeer{
		NetworkConfigID: cfg.ID, Username: "a", PublicKey: "pk-a", AllowedIPs: "10.1.0.2/32",
	}).Error)
	require.NoError(t, db.Create(&models.NetworkPeer{
		NetworkConfigID: cfg.ID, Username: "c", PublicKey: "pk-c", AllowedIPs: "10.1.0.4/32",
	}).Error)

	addr, err = alloc.AllocatePeerAddress(cfg)
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.3/32", addr)
}

func TestAllocatePeerAddressScopedToConfig(t *testing.T) {
	db := newTestDB(t)
	alloc := New(db)

	cfg1, _, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)
	cfg2, _, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.NetworkPeer{
		NetworkConfigID: cfg1.ID, Username: "a", PublicKey: "pk-a", AllowedIPs: "10.1.0.2/32",
	}).Error)

	addr, err := alloc.AllocatePeerAddress(cfg2)
	require.NoError(t, err)
	assert.Equal(t, "10.2.0.2/32", addr)
}

func TestAllocatePeerAddressExhausted(t *testing.T) {
	db := newTestDB(t)
	alloc := New(db)

	cfg, _, err := alloc.AcquireConfig(testKeys)
	require.NoError(t, err)

	for h := 2; h <= 254; h++ {
		require.NoError(t, db.Create(&models.NetworkPeer{
			NetworkConfigID: cfg.ID,
			Username:        fmt.Sprintf("u%d", h),
			PublicKey:       fmt.Sprintf("pk-%d", h),
			AllowedIPs:      fmt.Sprintf("10.1.0.%d/32", h),
		}).Error)
	}

	_, err = alloc.AllocatePeerAddress(cfg)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
}
