package app

import (
	"time"

	"sigma/cmd/internal/pgutil"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Empty selects the in-memory stores.
	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Browser access to the JSON API. Empty disables CORS handling.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Sync transport towards the messaging server.
	SyncRemoteURL    string
	SyncInitialLimit int
	SyncMaxRetries   int
	SyncBackfillRPS  float64

	PushSendQueue int

	KeysMaintenanceInterval time.Duration

	// If true, SIGMA_PASETO_V4_SECRET_KEY_HEX must be set so access tokens
	// survive a restart.
	RequirePersistentAuthKey bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SIGMA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SIGMA_LOG_LEVEL", "info"),
		LogFormat: EnvString("SIGMA_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SIGMA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SIGMA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SIGMA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SIGMA_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("SIGMA_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("SIGMA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("SIGMA_DATABASE_URL", ""),
		DBSchema:      EnvString("SIGMA_DB_SCHEMA", pgutil.DefaultSchema),
		DBMaxConns:    EnvInt32("SIGMA_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("SIGMA_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("SIGMA_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("SIGMA_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("SIGMA_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("SIGMA_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("SIGMA_CORS_MAX_AGE_SECONDS", 600),

		SyncRemoteURL:    EnvString("SIGMA_SYNC_REMOTE_URL", "ws://127.0.0.1:8448/v1/sync"),
		SyncInitialLimit: EnvInt("SIGMA_SYNC_INITIAL_LIMIT", 20),
		SyncMaxRetries:   EnvInt("SIGMA_SYNC_MAX_RETRIES", 8),
		SyncBackfillRPS:  EnvFloat("SIGMA_SYNC_BACKFILL_RPS", 1),

		PushSendQueue: EnvInt("SIGMA_PUSH_SEND_QUEUE", 256),

		KeysMaintenanceInterval: EnvDuration("SIGMA_KEYS_MAINTENANCE_INTERVAL", 10*time.Minute),

		RequirePersistentAuthKey: EnvBool("SIGMA_REQUIRE_PERSISTENT_AUTH_KEY", false),
	}
}
