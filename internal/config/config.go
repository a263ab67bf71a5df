package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Room    RoomConfig    `yaml:"room"`
	Auth    AuthConfig    `yaml:"auth"`
	Logger  LoggerConfig  `yaml:"logger"`
	Metrics MetricsConfig `yaml:"metrics"`
	Client  ClientConfig  `yaml:"client"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReadLimit       int64         `yaml:"read_limit"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type RoomConfig struct {
	// SendBuffer is the per-session outbound queue length. A session whose
	// queue is full is evicted on the next delivery.
	SendBuffer   int  `yaml:"send_buffer"`
	MaxSessions  int  `yaml:"max_sessions"`
	EchoToSender bool `yaml:"echo_to_sender"`
}

// AuthConfig selects the admission gate: "none", "token", "memory", "jwt"
// or "redis". The memory gate is seeded from Tokens.
type AuthConfig struct {
	Type   string            `yaml:"type"`
	Tokens map[string]string `yaml:"tokens"` // token -> user id
	JWT    JWTConfig         `yaml:"jwt"`
	Redis  RedisConfig       `yaml:"redis"`
}

type JWTConfig struct {
	SecretKey string        `yaml:"secret_key"`
	Issuer    string        `yaml:"issuer"`
	Duration  time.Duration `yaml:"duration"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json or console
	Output     string `yaml:"output"`      // stdout or file
	FilePath   string `yaml:"file_path"`   // log file path when output is file
	MaxSize    int    `yaml:"max_size"`    // MB per file before rotation
	MaxBackups int    `yaml:"max_backups"` // rotated files kept
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`
	Color      bool   `yaml:"color"`
	Stacktrace bool   `yaml:"stacktrace"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

type ClientConfig struct {
	URL                  string        `yaml:"url"`
	Room                 string        `yaml:"room"`
	Token                string        `yaml:"token"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	TypingTTL            time.Duration `yaml:"typing_ttl"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			ReadLimit:       64 * 1024,
			PongWait:        90 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Room: RoomConfig{
			SendBuffer:   64,
			EchoToSender: true,
		},
		Auth: AuthConfig{
			Type: "none",
			JWT: JWTConfig{
				Duration: 24 * time.Hour,
			},
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "realtime:token:",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "realtime",
			Path:      "/metrics",
		},
		Client: ClientConfig{
			URL:                  "ws://127.0.0.1:8080",
			Room:                 "lobby",
			HeartbeatInterval:    30 * time.Second,
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 3,
			TypingTTL:            5 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML file on top of the defaults. ${VAR} and ${VAR:default}
// placeholders are expanded from the environment, and a .env file in the
// working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(resolveEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

var envPlaceholder = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces ${VAR} and ${VAR:default} placeholders.
func resolveEnv(content []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(content, func(match []byte) []byte {
		m := envPlaceholder.FindSubmatch(match)
		if value, ok := os.LookupEnv(string(m[1])); ok {
			return []byte(value)
		}
		return m[2]
	})
}

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Room.SendBuffer <= 0 {
		return fmt.Errorf("%w: room.send_buffer must be positive", ErrInvalidConfig)
	}
	if c.Room.MaxSessions < 0 {
		return fmt.Errorf("%w: room.max_sessions must not be negative", ErrInvalidConfig)
	}

	switch c.Auth.Type {
	case "none", "redis":
	case "token", "memory":
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("%w: auth.tokens is empty", ErrInvalidConfig)
		}
	case "jwt":
		if len(c.Auth.JWT.SecretKey) < 32 {
			return fmt.Errorf("%w: auth.jwt.secret_key must be at least 32 characters", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth.type %q", ErrInvalidConfig, c.Auth.Type)
	}

	if c.Client.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: client.heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.Client.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: client.reconnect_interval must be positive", ErrInvalidConfig)
	}
	if c.Client.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("%w: client.max_reconnect_attempts must be positive", ErrInvalidConfig)
	}
	return nil
}
