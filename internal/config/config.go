package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	APIBaseURL string `envconfig:"API_BASE_URL" default:"http://localhost:8080"`
	WSURL      string `envconfig:"WS_URL"`

	TokenURL          string `envconfig:"TOKEN_URL" default:"http://localhost:3000/api/token"`
	SessionCookieName string `envconfig:"SESSION_COOKIE_NAME" default:"authjs.session-token"`
	SessionCookie     string `envconfig:"SESSION_COOKIE"`
	StaticToken       string `envconfig:"STATIC_TOKEN"`

	LibraryTTL     time.Duration `envconfig:"LIBRARY_TTL" default:"2m"`
	DownloadsTTL   time.Duration `envconfig:"DOWNLOADS_TTL" default:"1m"`
	StatsTTL       time.Duration `envconfig:"STATS_TTL" default:"5m"`
	ReconnectDelay time.Duration `envconfig:"RECONNECT_DELAY" default:"3s"`
	DialTimeout    time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	ActionRoutes   string        `envconfig:"ACTION_ROUTES" default:"post"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"gamecloud_sync"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string
		Password        string
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values envconfig can't express with tags.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.APIBaseURL); err != nil {
		return fmt.Errorf("invalid API_BASE_URL: %w", err)
	}

	c.ActionRoutes = strings.ToLower(c.ActionRoutes)

	switch c.ActionRoutes {
	case "post", "rest":
	default:
		return fmt.Errorf("invalid ACTION_ROUTES %q: want post or rest", c.ActionRoutes)
	}

	if c.StaticToken == "" && c.TokenURL == "" {
		return fmt.Errorf("either STATIC_TOKEN or TOKEN_URL must be set")
	}

	return nil
}

// PushURL returns the websocket endpoint, derived from the API base URL
// when WS_URL is not set.
func (c *Config) PushURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse api base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"

	return u.String(), nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
