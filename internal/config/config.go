package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"GW_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Real-time transport
	MaxConnections    int           `env:"GW_MAX_CONNECTIONS" envDefault:"5000"`
	HeartbeatInterval time.Duration `env:"GW_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"GW_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	ReconnectAttempts int           `env:"GW_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectInterval time.Duration `env:"GW_RECONNECT_INTERVAL" envDefault:"3s"`

	// Frame codec
	FrameKey             string `env:"GW_FRAME_KEY,required"`
	MaxFrameSize         int    `env:"GW_MAX_FRAME_SIZE" envDefault:"1048576"`
	CompressionThreshold int    `env:"GW_COMPRESSION_THRESHOLD" envDefault:"1024"`

	// Auth
	JWTSecret string `env:"GW_JWT_SECRET,required"`

	// HTTP gateway rate limiting (fixed window)
	RateLimitWindow   time.Duration `env:"GW_RATE_LIMIT_WINDOW" envDefault:"15m"`
	RateLimitRequests int           `env:"GW_RATE_LIMIT_REQUESTS" envDefault:"1000"`

	// Circuit breaker
	BreakerThreshold    int           `env:"GW_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"GW_BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Downstream services, comma-separated "name=baseURL" pairs
	Services       string        `env:"GW_SERVICES" envDefault:"projects=http://projects:8081,tasks=http://tasks:8082,analytics=http://analytics:8083,integration=http://integration:8084"`
	ServiceTimeout time.Duration `env:"GW_SERVICE_TIMEOUT" envDefault:"10s"`

	// Connection-attempt throttling (token bucket, DoS protection)
	ConnRateLimitEnabled     bool    `env:"GW_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"GW_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"GW_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"GW_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"GW_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Per-client message throttling on the socket
	ClientMsgRate  float64 `env:"GW_CLIENT_MSG_RATE" envDefault:"10.0"`
	ClientMsgBurst int     `env:"GW_CLIENT_MSG_BURST" envDefault:"100"`

	// Resource guard thresholds
	CPURejectThreshold float64 `env:"GW_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MemRejectThreshold float64 `env:"GW_MEM_REJECT_THRESHOLD" envDefault:"85.0"`
	GuardInterval      time.Duration `env:"GW_GUARD_INTERVAL" envDefault:"15s"`

	// Event feed (NATS)
	NATSUrl      string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	FeedSubjects string `env:"GW_FEED_SUBJECTS" envDefault:"taskstream.events.>"`

	// Broadcast worker pool
	WorkerCount     int `env:"GW_WORKER_COUNT" envDefault:"0"` // 0 = 2 x GOMAXPROCS
	WorkerQueueSize int `env:"GW_WORKER_QUEUE_SIZE" envDefault:"1024"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production env vars are set directly
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if len(c.FrameKey) != 32 {
		return fmt.Errorf("GW_FRAME_KEY must be exactly 32 bytes (AES-256), got %d", len(c.FrameKey))
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxFrameSize < 1 {
		return fmt.Errorf("GW_MAX_FRAME_SIZE must be > 0, got %d", c.MaxFrameSize)
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("GW_HEARTBEAT_TIMEOUT (%s) must be < GW_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("GW_RECONNECT_ATTEMPTS must be >= 0, got %d", c.ReconnectAttempts)
	}
	if c.RateLimitRequests < 1 {
		return fmt.Errorf("GW_RATE_LIMIT_REQUESTS must be > 0, got %d", c.RateLimitRequests)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("GW_BREAKER_THRESHOLD must be > 0, got %d", c.BreakerThreshold)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("GW_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MemRejectThreshold < 0 || c.MemRejectThreshold > 100 {
		return fmt.Errorf("GW_MEM_REJECT_THRESHOLD must be 0-100, got %.1f", c.MemRejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// ServiceMap parses the Services string into name -> base URL.
func (c *Config) ServiceMap() (map[string]string, error) {
	services := make(map[string]string)
	for _, pair := range splitAndTrim(c.Services, ",") {
		parts := splitAndTrim(pair, "=")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid service entry %q (want name=baseURL)", pair)
		}
		services[parts[0]] = parts[1]
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("GW_SERVICES must define at least one service")
	}
	return services, nil
}

// FeedSubjectList returns the configured NATS subjects.
func (c *Config) FeedSubjectList() []string {
	return splitAndTrim(c.FeedSubjects, ",")
}

func splitAndTrim(s, sep string) []string {
	result := []string{}
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Int("reconnect_attempts", c.ReconnectAttempts).
		Dur("reconnect_interval", c.ReconnectInterval).
		Int("max_frame_size", c.MaxFrameSize).
		Int("compression_threshold", c.CompressionThreshold).
		Dur("rate_limit_window", c.RateLimitWindow).
		Int("rate_limit_requests", c.RateLimitRequests).
		Int("breaker_threshold", c.BreakerThreshold).
		Dur("breaker_reset_timeout", c.BreakerResetTimeout).
		Str("services", c.Services).
		Str("nats_url", c.NATSUrl).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
