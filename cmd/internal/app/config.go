package app

import (
	"time"

	"relay/cmd/internal/env"
	"relay/cmd/internal/relayapi"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Storage selection: Postgres when DatabaseURL is set, otherwise SQLite
	// when SQLitePath is set, otherwise process memory.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	// Optional shared rate limiter backend.
	RedisURL string

	// Client secrets are sealed at rest when SecretSealKey is set (64 hex chars).
	SecretSealKey     string
	RequireSecretSeal bool

	// If true, RELAY_TOKEN_HMAC_KEY MUST be set (>= 32 bytes).
	RequireTokenHMAC bool

	Relay relayapi.Config
}

// LoadConfig loads Config from environment variables with defaults.
// Durations accept Go syntax ("30s") or bare seconds ("30").
func LoadConfig() Config {
	return Config{
		HTTPAddr:  env.String("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("RELAY_LOG_LEVEL", "info"),
		LogFormat: env.String("RELAY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: env.Duration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("RELAY_HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      env.Duration("RELAY_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       env.Duration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: env.Int("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: env.String("RELAY_DATABASE_URL", ""),
		DBSchema:    env.String("RELAY_DB_SCHEMA", "relay"),
		DBMaxConns:  env.Int32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  env.Int32("RELAY_DB_MIN_CONNS", 0),
		SQLitePath:  env.String("RELAY_SQLITE_PATH", ""),

		ReadinessRequireDB: env.Bool("RELAY_READINESS_REQUIRE_DB", false),

		RedisURL: env.String("RELAY_REDIS_URL", ""),

		SecretSealKey:     env.String("RELAY_SECRET_SEAL_KEY", ""),
		RequireSecretSeal: env.Bool("RELAY_REQUIRE_SECRET_SEAL", false),

		RequireTokenHMAC: env.Bool("RELAY_REQUIRE_TOKEN_HMAC", false),

		Relay: relayapi.LoadConfigFromEnv(),
	}
}
