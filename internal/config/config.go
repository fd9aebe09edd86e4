// Package config loads chagpt settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"golang.org/x/time/rate"

	"github.com/markb/chagpt/internal/chagpt"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/observability"
	"github.com/markb/chagpt/internal/realtime"
	"github.com/markb/chagpt/internal/store"
)

type Config struct {
	Host string `env:"HOST" default:"0.0.0.0"`
	Port int    `env:"PORT" default:"8080"`

	DBDriver    string        `env:"DB_DRIVER" default:"sqlite"`
	DBPath      string        `env:"DB_PATH" default:"chagpt.db"`
	DatabaseURL string        `env:"DATABASE_URL"`
	DBTimeout   time.Duration `env:"DB_TIMEOUT" default:"5s"`
	DBMaxConns  int32         `env:"DB_MAX_CONNS" default:"10"`

	AdminSecret   string `env:"ADMIN_SECRET"`
	EmitterSecret string `env:"EMITTER_SECRET"`
	LotterySecret string `env:"LOTTERY_SECRET"`

	RoutingPolicy   string  `env:"ROUTING_POLICY" default:"moderated"`
	MaxContentRunes int     `env:"MAX_CONTENT_RUNES" default:"128"`
	MaxMessageBytes int     `env:"MAX_MESSAGE_BYTES" default:"1048576"`
	ProposeRate     float64 `env:"PROPOSE_RATE" default:"0"`
	ProposeBurst    int     `env:"PROPOSE_BURST" default:"8"`

	PingInterval time.Duration `env:"PING_INTERVAL" default:"18320ms"`
	PingTimeout  time.Duration `env:"PING_TIMEOUT" default:"28560ms"`
	SendBuffer   int           `env:"SEND_BUFFER" default:"256"`

	LotteryURL      string        `env:"LOTTERY_URL"`
	LotteryInterval time.Duration `env:"LOTTERY_INTERVAL" default:"600s"`
	LotteryTimeout  time.Duration `env:"LOTTERY_TIMEOUT" default:"10s"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	LogMode   string `env:"LOG_MODE" default:"console"`
	LogFile   string `env:"LOG_FILE" default:"chagpt.log"`

	OTelExporter   string  `env:"OTEL_EXPORTER" default:"none"`
	OTelEndpoint   string  `env:"OTEL_ENDPOINT" default:"localhost:4317"`
	OTelSampleRate float64 `env:"OTEL_SAMPLE_RATE" default:"0.1"`

	HTTPSDomain  string `env:"HTTPS_DOMAIN"`
	HTTPSCertDir string `env:"HTTPS_CERT_DIR" default:"certs"`
	CORSOrigins  string `env:"CORS_ORIGINS" default:"*"`
}

// Load reads .env if present, then the process environment. The result is
// not validated so that flags can still override it.
func Load() (*Config, error) {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	required := []struct{ name, value string }{
		{"ADMIN_SECRET", c.AdminSecret},
		{"EMITTER_SECRET", c.EmitterSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	switch c.DBDriver {
	case store.DriverSQLite:
	case store.DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", store.DriverSQLite, store.DriverPostgres, c.DBDriver)
	}

	if _, err := chagpt.ParseRoutingPolicy(c.RoutingPolicy); err != nil {
		return fmt.Errorf("ROUTING_POLICY: %w", err)
	}
	if c.PingTimeout <= c.PingInterval {
		return fmt.Errorf("PING_TIMEOUT (%s) must exceed PING_INTERVAL (%s)", c.PingTimeout, c.PingInterval)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	switch c.OTelExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("OTEL_EXPORTER must be none, stdout or otlp, got %q", c.OTelExporter)
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0 and 1, got %v", c.OTelSampleRate)
	}

	switch c.LogMode {
	case "console", "file":
	default:
		return fmt.Errorf("LOG_MODE must be console or file, got %q", c.LogMode)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Service converts the settings into the moderation pipeline config.
// Validate must have succeeded.
func (c *Config) Service() chagpt.Config {
	routing, _ := chagpt.ParseRoutingPolicy(c.RoutingPolicy)
	return chagpt.Config{
		AdminSecret:     strings.TrimSpace(c.AdminSecret),
		EmitterSecret:   strings.TrimSpace(c.EmitterSecret),
		Routing:         routing,
		MaxContentRunes: c.MaxContentRunes,
		ProposeRate:     rate.Limit(c.ProposeRate),
		ProposeBurst:    c.ProposeBurst,
	}
}

// Realtime returns connection options shared by every endpoint.
func (c *Config) Realtime() realtime.Options {
	opts := realtime.DefaultOptions()
	opts.PingInterval = c.PingInterval
	opts.PingTimeout = c.PingTimeout
	opts.MaxMessageSize = c.MaxMessageBytes
	opts.SendBuffer = c.SendBuffer
	return opts
}

func (c *Config) Store() store.Config {
	return store.Config{
		Driver:      c.DBDriver,
		Path:        c.DBPath,
		DatabaseURL: c.DatabaseURL,
		Timeout:     c.DBTimeout,
		MaxConns:    c.DBMaxConns,
	}
}

func (c *Config) Log() *log.Config {
	lc := log.DefaultConfig()
	lc.Mode = c.LogMode
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	lc.FilePath = c.LogFile
	return lc
}

func (c *Config) Telemetry() *observability.Config {
	oc := observability.NewConfig()
	oc.Exporter = c.OTelExporter
	oc.Endpoint = c.OTelEndpoint
	oc.SampleRate = c.OTelSampleRate
	return oc
}

// Origins splits CORS_ORIGINS on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
