package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds configuration for the proxy.
type Config struct {
	HTTPPort      string
	Upstream      UpstreamConfig
	Scheduler     SchedulerConfig
	Pool          PoolConfig
	State         StateConfig
	FlowLogger    FlowLoggerConfig
	Redis         RedisConfig
	DatabaseURL   string // optional Postgres flow store; empty disables it
	JWTSecret     []byte
	AdminPassword string // empty leaves the management API open
}

// UpstreamConfig holds upstream endpoint and timeout settings.
type UpstreamConfig struct {
	BaseURL      string        // chat + model-list endpoints
	AuthBaseURL  string        // social refresh endpoint base
	OIDCRegion   string        // default SSO-OIDC region
	AgentVersion string        // best-effort detected IDE version
	ConnTimeout  time.Duration // connect
	HeaderTimeout time.Duration // response headers
	IdleTimeout  time.Duration // inter-chunk idle during streaming
	RequestTimeout time.Duration // whole-request hard ceiling
}

// SchedulerConfig holds background loop intervals.
type SchedulerConfig struct {
	RefreshInterval time.Duration // pre-refresh sweep cadence
	RefreshWindow   time.Duration // refresh tokens expiring within this window
	HealthInterval  time.Duration // health probe cadence
}

// PoolConfig holds account pool behaviour settings.
type PoolConfig struct {
	CooldownDuration   time.Duration // quota cooldown
	AffinityTTL        time.Duration // session stickiness window
	MinRequestInterval time.Duration // per-account dispatch pacing; 0 disables
}

// StateConfig holds account snapshot persistence settings.
type StateConfig struct {
	Path          string // snapshot file, default ~/.kiro-proxy/config.json
	EncryptionKey []byte // optional AES key for token fields at rest
}

// FlowLoggerConfig holds the local JSONL flow log settings.
type FlowLoggerConfig struct {
	FilePathTemplate string
	MaxSize          int64
	MaxFiles         int
	BufferSize       int
	FlushInterval    time.Duration
}

// RedisConfig holds the optional Redis flow queue settings. An empty address
// selects the in-memory queue.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load reads configuration from environment variables. port, when non-empty,
// overrides the HTTP port (it comes from the CLI positional argument).
func Load(port string) (*Config, error) {
	if port == "" {
		port = getEnvString("HTTP_PORT", "8080")
	}

	statePath := getEnvString("KIRO_PROXY_STATE_PATH", "")
	if statePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		statePath = filepath.Join(home, ".kiro-proxy", "config.json")
	}

	var encKey []byte
	if keyHex := os.Getenv("KIRO_PROXY_ENCRYPTION_KEY"); keyHex != "" {
		if len(keyHex) != 64 {
			return nil, fmt.Errorf("encryption key must be 64 hex characters (32 bytes)")
		}
		decoded, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("encryption key must be valid hex: %w", err)
		}
		encKey = decoded
	}

	cfg := &Config{
		HTTPPort: port,
		Upstream: UpstreamConfig{
			BaseURL:        getEnvString("KIRO_UPSTREAM_BASE_URL", "https://q.us-east-1.amazonaws.com"),
			AuthBaseURL:    getEnvString("KIRO_AUTH_BASE_URL", "https://prod.us-east-1.auth.desktop.kiro.dev"),
			OIDCRegion:     getEnvString("KIRO_OIDC_REGION", "us-east-1"),
			AgentVersion:   getEnvString("KIRO_AGENT_VERSION", ""),
			ConnTimeout:    getEnvDuration("UPSTREAM_CONN_TIMEOUT", 10*time.Second),
			HeaderTimeout:  getEnvDuration("UPSTREAM_HEADER_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvDuration("UPSTREAM_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 10*time.Minute),
		},
		Scheduler: SchedulerConfig{
			RefreshInterval: getEnvDuration("SCHEDULER_REFRESH_INTERVAL", 5*time.Minute),
			RefreshWindow:   getEnvDuration("SCHEDULER_REFRESH_WINDOW", 15*time.Minute),
			HealthInterval:  getEnvDuration("SCHEDULER_HEALTH_INTERVAL", 10*time.Minute),
		},
		Pool: PoolConfig{
			CooldownDuration:   getEnvDuration("POOL_COOLDOWN_DURATION", 300*time.Second),
			AffinityTTL:        getEnvDuration("POOL_AFFINITY_TTL", 60*time.Second),
			MinRequestInterval: getEnvDuration("POOL_MIN_REQUEST_INTERVAL", 0),
		},
		State: StateConfig{
			Path:          statePath,
			EncryptionKey: encKey,
		},
		FlowLogger: FlowLoggerConfig{
			FilePathTemplate: getEnvString("FLOW_LOGGER_FILE_PATH_TEMPLATE", filepath.Join(filepath.Dir(statePath), "flows-%s.jsonl")),
			MaxSize:          getEnvInt64("FLOW_LOGGER_MAX_SIZE", 10_485_760), // default 10 MB
			MaxFiles:         getEnvInt("FLOW_LOGGER_MAX_FILES", 5),
			BufferSize:       getEnvInt("FLOW_LOGGER_BUFFER_SIZE", 100),
			FlushInterval:    getEnvDuration("FLOW_LOGGER_FLUSH_INTERVAL", 60*time.Second),
		},
		Redis: RedisConfig{
			Address:  getEnvString("REDIS_ADDRESS", ""),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		DatabaseURL:   getEnvString("DATABASE_URL", ""),
		JWTSecret:     []byte(getEnvString("JWT_SECRET", "supersecretkey")),
		AdminPassword: getEnvString("ADMIN_PASSWORD", ""),
	}

	return cfg, nil
}
