// Package config loads service settings from the environment. A .env file in
// the working directory is read first when present; real environment
// variables always win.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable used by the matcher and gateway binaries.
type Config struct {
	Env      string
	LogLevel string

	RedisAddr   string
	RedisDB     int
	NATSURL     string
	DatabaseURL string // empty disables the outcome ledger

	ListenAddr  string
	MetricsAddr string

	GameEngineURL     string
	GameEngineTimeout time.Duration
	DefaultHeroID     string

	Queue      QueueConfig
	Acceptance AcceptanceConfig
	Penalty    PenaltyConfig
	Gateway    GatewayConfig
}

// GatewayConfig controls the WebSocket gateway.
type GatewayConfig struct {
	ServerName        string // instance ID in connection refs; defaults to the hostname
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int // bytes per client frame
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// QueueConfig controls queue liveness.
type QueueConfig struct {
	Timeout             time.Duration // max time a player may wait in queue
	SweepInterval       time.Duration // how often timed-out entries are removed
	MatchInterval       time.Duration // how often a pairing pass runs
	ReconnectGrace      time.Duration // gateway waits this long before leave-on-disconnect
	EstimatedWaitPerPos time.Duration
}

// AcceptanceConfig controls the acceptance window and its optimistic retries.
type AcceptanceConfig struct {
	Window        time.Duration
	TTLBuffer     time.Duration
	SweepInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// PenaltyConfig controls the consecutive-timeout penalty.
type PenaltyConfig struct {
	CountTTL  time.Duration
	Threshold int
	Cooldown  time.Duration
}

// Load builds a Config from .env and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:           getInt("REDIS_DB", 0),
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9102"),
		GameEngineURL:     getEnv("GAME_ENGINE_URL", "http://nginx"),
		GameEngineTimeout: getDuration("GAME_ENGINE_TIMEOUT", 5*time.Second),
		DefaultHeroID:     getEnv("DEFAULT_HERO_ID", "default-hero"),
		Queue: QueueConfig{
			Timeout:             getDuration("QUEUE_TIMEOUT", time.Minute),
			SweepInterval:       getDuration("QUEUE_SWEEP_INTERVAL", 10*time.Second),
			MatchInterval:       getDuration("MATCH_INTERVAL", 3*time.Second),
			ReconnectGrace:      getDuration("RECONNECT_GRACE", 10*time.Second),
			EstimatedWaitPerPos: getDuration("ESTIMATED_WAIT_PER_POSITION", 30*time.Second),
		},
		Acceptance: AcceptanceConfig{
			Window:        getDuration("ACCEPTANCE_WINDOW", 20*time.Second),
			TTLBuffer:     getDuration("ACCEPTANCE_TTL_BUFFER", 5*time.Second),
			SweepInterval: getDuration("ACCEPTANCE_SWEEP_INTERVAL", 2*time.Second),
			MaxRetries:    getInt("ACCEPT_MAX_RETRIES", 5),
			RetryDelay:    getDuration("ACCEPT_RETRY_DELAY", 100*time.Millisecond),
		},
		Penalty: PenaltyConfig{
			CountTTL:  getDuration("TIMEOUT_COUNT_TTL", time.Hour),
			Threshold: getInt("TIMEOUT_THRESHOLD", 3),
			Cooldown:  getDuration("PENALTY_COOLDOWN", 15*time.Minute),
		},
		Gateway: GatewayConfig{
			ServerName:        getEnv("SERVER_NAME", hostname()),
			WorkerPoolSize:    getInt("WORKER_POOL_SIZE", 256),
			MaxConnections:    getInt("MAX_CONNECTIONS", 100000),
			ReadTimeout:       getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      getDuration("WRITE_TIMEOUT", 10*time.Second),
			MaxMessageSize:    getInt("MAX_MESSAGE_SIZE", 4096),
			HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTimeout:  getDuration("HEARTBEAT_TIMEOUT", 10*time.Second),
		},
	}

	return cfg, nil
}

func hostname() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "gw-1"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultValue
}

// getDuration accepts Go duration strings ("20s", "1m").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
