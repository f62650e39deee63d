package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the koripet sync server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Poll      PollConfig
	Spotify   SpotifyConfig
	Tips      TipsConfig
	Telemetry TelemetryConfig
}

type DatabaseConfig struct {
	// Driver selects the backing store: "sqlite" or "redis".
	Driver     string
	SQLitePath string
	RedisAddr  string
	RedisDB    int
}

type PollConfig struct {
	Interval time.Duration
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// RefreshToken seeds the integration when no token has been stored via
	// the OAuth callback yet.
	RefreshToken string
}

type TipsConfig struct {
	// APIKey enables LLM-generated daily tips; without it the built-in
	// fallback tips are used.
	APIKey string
	Model  string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PORT", 4000),
		Version: envStr("KORIPET_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			Driver:     envStr("KORIPET_DB_DRIVER", "sqlite"),
			SQLitePath: envStr("KORIPET_SQLITE_PATH", "data/data.sqlite"),
			RedisAddr:  envStr("KORIPET_REDIS_ADDR", "localhost:6379"),
			RedisDB:    envInt("KORIPET_REDIS_DB", 0),
		},
		Poll: PollConfig{
			Interval: envDuration("KORIPET_POLL_INTERVAL", 1500*time.Millisecond),
		},
		Spotify: SpotifyConfig{
			ClientID:     envStr("SPOTIFY_CLIENT_ID", ""),
			ClientSecret: envStr("SPOTIFY_CLIENT_SECRET", ""),
			RedirectURI:  envStr("SPOTIFY_REDIRECT_URI", ""),
			RefreshToken: envStr("SPOTIFY_REFRESH_TOKEN", ""),
		},
		Tips: TipsConfig{
			APIKey: envStr("GOOGLE_API_KEY", envStr("GEMINI_API_KEY", "")),
			Model:  envStr("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "koripet-server"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
