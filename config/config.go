package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config carries every tunable the lobby needs. It is built once in main and
// handed into constructors explicitly; nothing reads the environment after
// Load returns.
type Config struct {
	// HTTP
	ListenAddr string

	// Database
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Auth
	JWTSecret        string
	TokenExpiryHours int

	// VPN
	ConfigDir   string // where per-network wg config artifacts are written
	ToolTimeout time.Duration
	StunServer  string // used to discover the public endpoint advertised to clients

	// Presence
	HeartbeatInterval time.Duration // sweep period
	StaleAfter        time.Duration // heartbeat staleness threshold

	// Rooms
	DefaultMaxPlayers int
	RoomCacheInterval time.Duration
}

// Load reads .env (when present) and the environment. It fails only on
// values the server cannot run without.
func Load(log *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, using environment variables")
	}

	cfg := &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBUser:            getEnv("DB_USER", "lanlobby"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            getEnv("DB_NAME", "lanlobby"),
		DBPort:            getEnv("DB_PORT", "5432"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt(log, "REDIS_DB", 0),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		TokenExpiryHours:  getEnvInt(log, "TOKEN_EXPIRY_HOURS", 24),
		ConfigDir:         getEnv("WG_CONFIG_DIR", "/etc/wireguard/lanlobby"),
		ToolTimeout:       getEnvDuration(log, "WG_TOOL_TIMEOUT", 15*time.Second),
		StunServer:        getEnv("STUN_SERVER", "stun.l.google.com:19302"),
		HeartbeatInterval: getEnvDuration(log, "HEARTBEAT_INTERVAL", 20*time.Second),
		StaleAfter:        getEnvDuration(log, "HEARTBEAT_STALE_AFTER", 40*time.Second),
		DefaultMaxPlayers: getEnvInt(log, "DEFAULT_MAX_PLAYERS", 8),
		RoomCacheInterval: getEnvDuration(log, "ROOM_CACHE_INTERVAL", 10*time.Second),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is not set in the environment")
	}
	return cfg, nil
}

// DSN builds the postgres connection string the way the database package
// expects it.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(log *zap.Logger, key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("invalid integer in environment, using fallback",
			zap.String("key", key), zap.String("value", v), zap.Int("fallback", fallback))
		return fallback
	}
	return n
}

func getEnvDuration(log *zap.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("invalid duration in environment, using fallback",
			zap.String("key", key), zap.String("value", v), zap.Duration("fallback", fallback))
		return fallback
	}
	return d
}
