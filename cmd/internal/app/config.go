package app

import "time"

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

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// AuthSecret signs and verifies bearer tokens (HS256, min 32 bytes).
	// Empty means a random per-process secret: fine for dev, useless across
	// restarts.
	AuthSecret string
	TokenTTL   time.Duration

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("KINDRED_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("KINDRED_LOG_LEVEL", "info"),
		LogFormat: EnvString("KINDRED_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("KINDRED_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("KINDRED_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("KINDRED_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("KINDRED_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("KINDRED_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("KINDRED_DATABASE_URL", ""),
		DBSchema:    EnvString("KINDRED_DB_SCHEMA", "kindred"),
		DBMaxConns:  EnvInt32("KINDRED_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("KINDRED_DB_MIN_CONNS", 0),

		AuthSecret: EnvString("KINDRED_AUTH_SECRET", ""),
		TokenTTL:   EnvDuration("KINDRED_AUTH_TOKEN_TTL", 24*time.Hour),

		ReadinessRequireDB: EnvBool("KINDRED_READINESS_REQUIRE_DB", false),
	}
}
