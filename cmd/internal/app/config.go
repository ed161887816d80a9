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

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// CORS policy for browser clients. Empty allowlist disables CORS handling.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HALO_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HALO_LOG_LEVEL", "info"),
		LogFormat: EnvString("HALO_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HALO_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HALO_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HALO_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HALO_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("HALO_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("HALO_DATABASE_URL", ""),
		DBSchema:    EnvString("HALO_DB_SCHEMA", "halo"),
		DBMaxConns:  EnvInt32("HALO_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HALO_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("HALO_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("HALO_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("HALO_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("HALO_CORS_MAX_AGE_SECONDS", 600),
	}
}
