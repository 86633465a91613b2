package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the node.
type Config struct {
	// Hostname is the public hostname of this node. Local handles are
	// user@Hostname.
	Hostname string

	// Scheme is the URL scheme other nodes use to reach this one.
	Scheme string

	// Port is the HTTP server port.
	Port int

	// DatabasePath is the SQLite database file.
	DatabasePath string

	// DiscoveryTimeout bounds each HTTP fetch made while discovering a
	// remote identity.
	DiscoveryTimeout time.Duration

	// DrainInterval is how often the inbound queue is drained in the
	// background.
	DrainInterval time.Duration

	// MaxAttempts is how many retryable failures an item may accumulate
	// before it is marked failed.
	MaxAttempts int

	// LogLevel is the minimum level of emitted log records.
	LogLevel slog.Level
}

// BaseURL returns the public root URL of this node, with a trailing slash.
func (c *Config) BaseURL() string {
	return c.Scheme + "://" + c.Hostname + "/"
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	port := 3000
	if p := getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	hostname := getenv("NODE_HOSTNAME")
	if hostname == "" {
		hostname = "localhost"
	}

	scheme := getenv("NODE_SCHEME")
	if scheme == "" {
		scheme = "https"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("invalid NODE_SCHEME %q: must be http or https", scheme)
	}

	dbPath := getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "diaspora.db"
	}

	discoveryTimeout, err := duration(getenv, "DISCOVERY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	drainInterval, err := duration(getenv, "QUEUE_DRAIN_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	maxAttempts := 10
	if v := getenv("QUEUE_MAX_ATTEMPTS"); v != "" {
		maxAttempts, err = strconv.Atoi(v)
		if err != nil || maxAttempts < 1 {
			return nil, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS %q", v)
		}
	}

	var level slog.Level
	if v := getenv("LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	return &Config{
		Hostname:         hostname,
		Scheme:           scheme,
		Port:             port,
		DatabasePath:     dbPath,
		DiscoveryTimeout: discoveryTimeout,
		DrainInterval:    drainInterval,
		MaxAttempts:      maxAttempts,
		LogLevel:         level,
	}, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
