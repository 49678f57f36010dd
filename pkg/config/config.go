package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"camrelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SubscriberBuffer int           `yaml:"subscriber_buffer"`
		AllowedOrigins   []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Relay struct {
		FFmpegPath      string        `yaml:"ffmpeg_path"`
		StartupTimeout  time.Duration `yaml:"startup_timeout"`
		StartupAttempts int           `yaml:"startup_attempts"`
		GracePeriod     time.Duration `yaml:"grace_period"`
		FailureWindow   time.Duration `yaml:"failure_window"`
		MaxFailures     int           `yaml:"max_failures"`
		ChunkSize       int           `yaml:"chunk_size"`
		DefaultQuality  string        `yaml:"default_quality"`
	} `yaml:"relay"`

	Grants struct {
		BaseURL       string        `yaml:"base_url"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		MaxDuration   time.Duration `yaml:"max_duration"`
		StatsCacheTTL time.Duration `yaml:"stats_cache_ttl"`
	} `yaml:"grants"`

	Sources []SourceConfig `yaml:"sources"`

	Users []UserConfig `yaml:"users"`

	Chat struct {
		HistorySize      int `yaml:"history_size"`
		MaxMessageLength int `yaml:"max_message_length"`
	} `yaml:"chat"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		LockTTL  time.Duration `yaml:"lock_ttl"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Backup struct {
		Enabled   bool          `yaml:"enabled"`
		Directory string        `yaml:"directory"`
		Interval  time.Duration `yaml:"interval"`
		Retain    int           `yaml:"retain"`
	} `yaml:"backup"`
}

type SourceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	Locator  string `yaml:"locator"`
	Quality  string `yaml:"quality"`
}

type UserConfig struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	DisplayName  string `yaml:"display_name"`
	Role         string `yaml:"role"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SubscriberBuffer <= 0 {
		return fmt.Errorf("signal.subscriber_buffer must be > 0")
	}

	// Relay
	if c.Relay.FFmpegPath == "" {
		return fmt.Errorf("relay.ffmpeg_path must not be empty")
	}
	if c.Relay.StartupTimeout <= 0 {
		return fmt.Errorf("relay.startup_timeout must be > 0")
	}
	if c.Relay.StartupAttempts <= 0 {
		return fmt.Errorf("relay.startup_attempts must be > 0")
	}
	if c.Relay.GracePeriod <= 0 {
		return fmt.Errorf("relay.grace_period must be > 0")
	}
	if c.Relay.FailureWindow <= 0 {
		return fmt.Errorf("relay.failure_window must be > 0")
	}
	if c.Relay.MaxFailures <= 0 {
		return fmt.Errorf("relay.max_failures must be > 0")
	}
	if c.Relay.ChunkSize <= 0 {
		return fmt.Errorf("relay.chunk_size must be > 0")
	}
	if err := validation.ValidateQuality(c.Relay.DefaultQuality); err != nil {
		return fmt.Errorf("relay.default_quality: %w", err)
	}

	// Grants
	if err := validation.ValidateURL(c.Grants.BaseURL); err != nil {
		return fmt.Errorf("grants.base_url: %w", err)
	}
	if c.Grants.SweepInterval < 30*time.Second || c.Grants.SweepInterval > 60*time.Second {
		return fmt.Errorf("grants.sweep_interval must be between 30s and 60s")
	}
	if c.Grants.MaxDuration <= 0 {
		return fmt.Errorf("grants.max_duration must be > 0")
	}

	// Sources
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if err := validation.ValidateSourceID(s.ID); err != nil {
			return fmt.Errorf("sources[%d].id: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = true
		if s.Locator == "" {
			return fmt.Errorf("sources[%d].locator must not be empty", i)
		}
		if s.Quality != "" {
			if err := validation.ValidateQuality(s.Quality); err != nil {
				return fmt.Errorf("sources[%d].quality: %w", i, err)
			}
		}
	}

	// Users
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d].id must not be empty", i)
		}
		if err := validation.ValidateUsername(u.Username); err != nil {
			return fmt.Errorf("users[%d].username: %w", i, err)
		}
		switch u.Role {
		case "owner", "admin", "viewer":
		default:
			return fmt.Errorf("users[%d].role must be one of owner, admin, viewer", i)
		}
	}

	// Chat
	if c.Chat.HistorySize <= 0 {
		return fmt.Errorf("chat.history_size must be > 0")
	}
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("chat.max_message_length must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.LockTTL <= 0 {
			return fmt.Errorf("redis.lock_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Directory == "" {
			return fmt.Errorf("backup.directory must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.Retain <= 0 {
			return fmt.Errorf("backup.retain must be > 0 when backup.enabled=true")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 0 // streaming responses are long lived
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SubscriberBuffer = 256
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Relay.FFmpegPath = "ffmpeg"
	cfg.Relay.StartupTimeout = 10 * time.Second
	cfg.Relay.StartupAttempts = 2
	cfg.Relay.GracePeriod = 5 * time.Second
	cfg.Relay.FailureWindow = 60 * time.Second
	cfg.Relay.MaxFailures = 3
	cfg.Relay.ChunkSize = 32 * 1024
	cfg.Relay.DefaultQuality = "medium"

	cfg.Grants.BaseURL = "http://localhost:8080"
	cfg.Grants.SweepInterval = 60 * time.Second
	cfg.Grants.MaxDuration = 30 * 24 * time.Hour
	cfg.Grants.StatsCacheTTL = 5 * time.Second

	cfg.Chat.HistorySize = 500
	cfg.Chat.MaxMessageLength = 2000

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.LockTTL = 5 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.Backup.Enabled = false
	cfg.Backup.Directory = "./data/backups"
	cfg.Backup.Interval = 10 * time.Minute
	cfg.Backup.Retain = 5

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CAMRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CAMRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CAMRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if base := os.Getenv("CAMRELAY_BASE_URL"); base != "" {
		c.Grants.BaseURL = base
	}
	if ffmpeg := os.Getenv("CAMRELAY_FFMPEG_PATH"); ffmpeg != "" {
		c.Relay.FFmpegPath = ffmpeg
	}
	if addr := os.Getenv("CAMRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if enabled := os.Getenv("CAMRELAY_REDIS_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Redis.Enabled = v
		}
	}
}
