package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Host      string `env:"HOST" default:"0.0.0.0"`
	HTTPPort  string `env:"HTTP_PORT" default:"8080"`
	WSPort    string `env:"WS_PORT" default:"8765"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Identity inputs. HOSTNAME is read directly by the identity resolver.
	ServiceName  string `env:"SERVICE_NAME" default:"websocket-test-service"`
	PodName      string `env:"POD_NAME"`
	NodeName     string `env:"NODE_NAME"`
	PodNamespace string `env:"POD_NAMESPACE"`

	RedisURL          string        `env:"REDIS_URL"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"10s"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	// Per-IP limits are off by default. Without TRUST_PROXY_HEADERS every
	// client behind a load balancer shares the balancer's IP, so a burst
	// test would be rejected. Zero disables each limit.
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"0"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"0"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"100"`

	// TrustProxyHeaders takes the client IP from X-Forwarded-For. Enable only
	// behind a load balancer that sets the header.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" default:"false"`
	// AllowedOrigins is a comma-separated list of browser origins allowed to
	// open WebSockets. Empty allows every origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	InstancesRateLimit float64 `env:"INSTANCES_RATE_LIMIT" default:"5"`
	InstancesRateBurst int     `env:"INSTANCES_RATE_BURST" default:"10"`

	PingInterval    time.Duration `env:"PING_INTERVAL" default:"30s"`
	PongTimeout     time.Duration `env:"PONG_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"HTTP_PORT":    cfg.HTTPPort,
		"WS_PORT":      cfg.WSPort,
		"SERVICE_NAME": cfg.ServiceName,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.HTTPPort == cfg.WSPort {
		return errors.New("HTTP_PORT and WS_PORT must differ")
	}
	if cfg.MaxWebSocketConnections < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}
	if cfg.MaxConnectionsPerIP < 0 {
		return errors.New("MAX_CONNECTIONS_PER_IP must not be negative")
	}
	if cfg.ConnectionRate < 0 {
		return errors.New("CONNECTION_RATE must not be negative")
	}
	if cfg.ConnectionRate > 0 && cfg.ConnectionBurst < 1 {
		return errors.New("CONNECTION_BURST must be positive when CONNECTION_RATE is set")
	}
	if cfg.InstancesRateLimit <= 0 || cfg.InstancesRateBurst < 1 {
		return errors.New("INSTANCES_RATE_LIMIT and INSTANCES_RATE_BURST must be positive")
	}
	if cfg.PingInterval <= 0 || cfg.PongTimeout <= 0 {
		return errors.New("PING_INTERVAL and PONG_TIMEOUT must be positive")
	}
	if cfg.RedisURL != "" && cfg.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be at least 1s, got %s", cfg.HeartbeatInterval)
	}

	return nil
}

// HTTPAddr is the listen address of the HTTP server with the embedded /ws endpoint.
func (c *Config) HTTPAddr() string {
	return c.Host + ":" + c.HTTPPort
}

// WSAddr is the listen address of the standalone WebSocket listener.
func (c *Config) WSAddr() string {
	return c.Host + ":" + c.WSPort
}

// AllowedOriginList splits AllowedOrigins, dropping empty entries.
func (c *Config) AllowedOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
