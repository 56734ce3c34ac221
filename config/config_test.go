package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load(zap.NewNop())
	assert.Error(t, err)
}

func TestLoadAppliesDefaultsAndFallbacks(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("HEARTBEAT_INTERVAL", "not-a-duration")
	t.Setenv("DEFAULT_MAX_PLAYERS", "12")

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 40*time.Second, cfg.StaleAfter)
	assert.Equal(t, 15*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 12, cfg.DefaultMaxPlayers)
}
