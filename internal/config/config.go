// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Connection    ConnectionConfig    `mapstructure:"connection"`
	Message       MessageConfig       `mapstructure:"message"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Storage       StorageConfig       `mapstructure:"storage"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Log           LogConfig           `mapstructure:"log"`
}

type ServerConfig struct {
	DataPort    int      `mapstructure:"data_port"`
	UIPort      int      `mapstructure:"ui_port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// ConnectionConfig drives hub presence. Timeout is both the receive deadline
// and the steady-state presence TTL; Grace is added on first registration.
type ConnectionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Grace   time.Duration `mapstructure:"grace"`
}

// MessageConfig holds the throttle window, in timestamp units (seconds).
type MessageConfig struct {
	MinDelay float64 `mapstructure:"min_delay"`
}

// StreamConfig controls user sessions. A zero IdleTimeout disables the idle
// cut-off and leaves liveness to websocket ping/pong.
type StreamConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "nats" or "memory"
	// Seed populates the hub directory of the memory driver.
	Seed []SeedHub `mapstructure:"seed"`
}

// SeedHub is one hub, with its credential hash and sensor ids.
type SeedHub struct {
	ID       int64   `mapstructure:"id"`
	UserID   int64   `mapstructure:"user_id"`
	Name     string  `mapstructure:"name"`
	Password string  `mapstructure:"password"`
	Sensors  []int64 `mapstructure:"sensors"`
}

type NATSConfig struct {
	URL             string `mapstructure:"url"`
	Name            string `mapstructure:"name"`
	PresenceBucket  string `mapstructure:"presence_bucket"`
	HubSensorBucket string `mapstructure:"hub_sensor_bucket"`
	UserHubBucket   string `mapstructure:"user_hub_bucket"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	TokenLength int    `mapstructure:"token_length"`
	CookieName  string `mapstructure:"cookie_name"`
}

type NotificationsConfig struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyHeader string        `mapstructure:"api_key_header"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
	File   string `mapstructure:"file"`
}

// LoadConfig reads config.yaml from path, overlays RELAY_* environment
// variables and validates the result. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("connection.timeout", 240*time.Second)
	v.SetDefault("connection.grace", 5*time.Second)
	v.SetDefault("message.min_delay", 1.0)
	v.SetDefault("stream.idle_timeout", 240*time.Second)

	v.SetDefault("storage.driver", "nats")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "ruth-data")
	v.SetDefault("nats.presence_bucket", "connections")
	v.SetDefault("nats.hub_sensor_bucket", "hub_sensor_map")
	v.SetDefault("nats.user_hub_bucket", "user_hub_map")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_length", 64)
	v.SetDefault("auth.cookie_name", "access_jwt")

	v.SetDefault("notifications.url", "")
	v.SetDefault("notifications.api_key", "")
	v.SetDefault("notifications.api_key_header", "X-Api-Key")
	v.SetDefault("notifications.workers", 2)
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// Validate checks the settings the relay cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.Connection.Timeout <= 0:
		return fmt.Errorf("connection.timeout must be positive")
	case c.Connection.Grace < 0:
		return fmt.Errorf("connection.grace must not be negative")
	case c.Message.MinDelay < 0:
		return fmt.Errorf("message.min_delay must not be negative")
	case c.Stream.IdleTimeout < 0:
		return fmt.Errorf("stream.idle_timeout must not be negative")
	case c.Auth.TokenLength <= 0:
		return fmt.Errorf("auth.token_length must be positive")
	}

	switch c.Storage.Driver {
	case "nats":
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for storage.driver=nats")
		}
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for storage.driver=nats")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}

// RegisterTTL is the presence TTL used when a session is first admitted.
func (c ConnectionConfig) RegisterTTL() time.Duration {
	return c.Timeout + c.Grace
}
