package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"chatty/internal/domain"
)

// DevelopmentEnv is the NODE_ENV value that relaxes cookie and header hardening.
const DevelopmentEnv = "development"

// Required lists every key that must be present and non-empty before the
// server starts. Order matters: Load reports the first missing key.
var Required = []string{
	"DATABASE_URL",
	"JWT_SECRET",
	"NODE_ENV",
	"CLIENT_URL",
	"SECRET_KEY_ONE",
	"SECRET_KEY_TWO",
	"REDIS_HOST",
	"CLOUD_NAME",
	"CLOUD_API_KEY",
	"CLOUD_API_SECRET",
}

// Config is the frozen configuration snapshot. It is built once by Load and
// passed by value.
type Config struct {
	DatabaseURL    string
	// JWTSecret is required at startup but not read here; token auth
	// belongs to route registrars supplied by the embedding service.
	JWTSecret      string
	Env            string
	ClientURL      string
	SecretKeyOne   string
	SecretKeyTwo   string
	BusURL         string // REDIS_HOST: address of the shared broadcast bus
	Cloud          CloudConfig
	ServerAddr     string
	LogLevel       string
	BodyLimitBytes int64
	StoreTimeout   time.Duration
	BusTimeout     time.Duration
	BusTopic       string
	Realtime       RealtimeConfig
}

// CloudConfig holds media-upload credentials.
type CloudConfig struct {
	Name      string
	APIKey    string
	APISecret string
}

// RealtimeConfig holds WebSocket endpoint parameters.
type RealtimeConfig struct {
	Path         string
	UpgradeRate  float64
	UpgradeBurst int
	EventRate    float64
	EventBurst   int
}

// IsDevelopment reports whether the process runs in local-development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == DevelopmentEnv
}

// LoadDotEnv reads key/value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables. It fails if any
// required key is absent or empty.
func Load() (Config, error) {
	for _, key := range Required {
		if strings.TrimSpace(os.Getenv(key)) == "" {
			return Config{}, fmt.Errorf("%w: %s", domain.ErrMissingConfig, key)
		}
	}

	env := os.Getenv("NODE_ENV")
	defaultLevel := "info"
	if env == DevelopmentEnv {
		defaultLevel = "debug"
	}

	return Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		Env:          env,
		ClientURL:    os.Getenv("CLIENT_URL"),
		SecretKeyOne: os.Getenv("SECRET_KEY_ONE"),
		SecretKeyTwo: os.Getenv("SECRET_KEY_TWO"),
		BusURL:       os.Getenv("REDIS_HOST"),
		Cloud: CloudConfig{
			Name:      os.Getenv("CLOUD_NAME"),
			APIKey:    os.Getenv("CLOUD_API_KEY"),
			APISecret: os.Getenv("CLOUD_API_SECRET"),
		},
		ServerAddr:     envOr("SERVER_ADDR", ":8000"),
		LogLevel:       envOr("LOG_LEVEL", defaultLevel),
		BodyLimitBytes: int64(envInt("BODY_LIMIT_BYTES", 50<<20)),
		StoreTimeout:   envDuration("STORE_CONNECT_TIMEOUT", 10*time.Second),
		BusTimeout:     envDuration("BUS_CONNECT_TIMEOUT", 10*time.Second),
		BusTopic:       envOr("BUS_TOPIC", "chatty.broadcast"),
		Realtime: RealtimeConfig{
			Path:         envOr("WS_PATH", "/socket"),
			UpgradeRate:  envFloat("WS_UPGRADE_RATE", 10),
			UpgradeBurst: envInt("WS_UPGRADE_BURST", 20),
			EventRate:    envFloat("WS_EVENT_RATE", 20),
			EventBurst:   envInt("WS_EVENT_BURST", 40),
		},
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return f
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}
