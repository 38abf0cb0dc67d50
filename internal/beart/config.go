package beart

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Defaults applied by Config.withDefaults. The poll ceiling and interval
// match the vendor's published processing window.
const (
	DefaultBaseURL      = "https://api.beart.ai"
	DefaultPollAttempts = 30
	DefaultPollInterval = 2 * time.Second

	defaultHTTPTimeout = 30 * time.Second
)

// Config stores connectivity information for the vendor client.
type Config struct {
	// BaseURL roots both vendor routes. Overridden only by tests.
	BaseURL string
	// ProductSerial is the per-deployment serial sent on create-job calls.
	ProductSerial string
	// PollAttempts bounds the number of get-job requests per job.
	PollAttempts int
	// PollInterval separates consecutive get-job requests.
	PollInterval time.Duration
	// HTTPClient overrides the default 30 s-timeout client.
	HTTPClient *http.Client
	// Logger receives poll progress; defaults to slog.Default.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("vendor base URL is required")
	}
	if c.ProductSerial == "" {
		return errors.New("product serial is required")
	}
	if c.PollAttempts <= 0 {
		return errors.New("poll attempts must be positive")
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}
	return nil
}

// NewClient constructs a vendor client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{config: cfg}, nil
}
