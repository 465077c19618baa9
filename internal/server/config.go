// Package server provides configuration helpers that define runtime defaults,
// environment and flag parsing, and validation for the relay.
package server

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "GOCHAT_"

// Config holds the relay configuration.
type Config struct {
	// Host and Port form the TCP listen address for line clients.
	Host string `env:"HOST"`
	Port int    `env:"PORT" envDefault:"9000" validate:"gte=0,lte=65535"`

	// WebSocketAddr enables the HTTP/WebSocket gateway when non-empty.
	WebSocketAddr  string   `env:"WS_ADDR"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	MaxLineSize     int             `env:"MAX_LINE_SIZE" envDefault:"65536" validate:"gte=0"`
	SendQueueSize   int             `env:"SEND_QUEUE_SIZE" envDefault:"256" validate:"gte=0"`
	IdleTimeout     time.Duration   `env:"IDLE_TIMEOUT" validate:"gte=0s"`
	WriteTimeout    time.Duration   `env:"WRITE_TIMEOUT" envDefault:"10s" validate:"gte=0s"`
	ShutdownTimeout time.Duration   `env:"SHUTDOWN_TIMEOUT" envDefault:"5s" validate:"gte=0s"`
	RateLimit       RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	LogLevel        string          `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Port: 9000,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxLineSize:     64 * 1024,
		SendQueueSize:   256,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		LogLevel: "info",
	}
}

// sanitizeConfig replaces unset or invalid values with defaults so partially
// filled configs are usable.
func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = def.MaxLineSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// ListenAddr returns the TCP address for line clients.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads GOCHAT_* environment variables, then applies flags from
// args. An optional positional argument overrides the port.
func LoadConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	origins := strings.Join(cfg.AllowedOrigins, ",")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "TCP listen host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP listen port")
	fs.StringVar(&cfg.WebSocketAddr, "ws-addr", cfg.WebSocketAddr, "HTTP/WebSocket gateway address (empty disables)")
	fs.StringVar(&origins, "allowed-origins", origins, "comma-separated WebSocket origins, * allows all")
	fs.IntVar(&cfg.MaxLineSize, "max-line-size", cfg.MaxLineSize, "maximum inbound record size in bytes")
	fs.IntVar(&cfg.SendQueueSize, "send-queue", cfg.SendQueueSize, "outbound records buffered per session")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "disconnect TCP clients idle this long (0 disables)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "deadline for each outbound write")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown limit")
	fs.IntVar(&cfg.RateLimit.Burst, "rate-burst", cfg.RateLimit.Burst, "envelopes allowed per refill interval")
	fs.DurationVar(&cfg.RateLimit.RefillInterval, "rate-interval", cfg.RateLimit.RefillInterval, "rate limit refill interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if fs.NArg() > 1 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	if fs.NArg() == 1 {
		port, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return Config{}, fmt.Errorf("invalid port %q: %w", fs.Arg(0), err)
		}
		cfg.Port = port
	}
	cfg.AllowedOrigins = parseOrigins(origins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
