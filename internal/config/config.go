// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the daemon configuration from the process
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/canonical/conductor/core/catalog"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultRedisURL       = "redis://localhost:6379/0"
	DefaultDatabaseURL    = "file:conductor.db"
	DefaultAPIAddr        = ":8080"
	DefaultPublicBaseURL  = "ws://localhost:8080"
	DefaultPriorityAPIURL = "http://priority-service:8000"
	DefaultLoggingConfig  = "conductor=INFO"
	DefaultWorkerCount    = 4

	DefaultHTTPConnectTimeout       = 3 * time.Second
	DefaultHTTPReadTimeout          = 30 * time.Second
	DefaultJobStuckAfter            = 2 * time.Hour
	DefaultSanityCheckInterval      = time.Minute
	DefaultPromoteLowToMediumAfter  = 30 * time.Minute
	DefaultPromoteMediumToHighAfter = time.Hour
)

// Config is the full daemon configuration.
type Config struct {
	// RedisURL locates the shared KV store carrying concurrency
	// counters, leases, the work queues and the event channels.
	RedisURL string

	// DatabaseURL is the sqlite DSN of the job store.
	DatabaseURL string

	// APIAddr is the listen address for the HTTP and websocket
	// endpoints.
	APIAddr string

	// PublicBaseURL prefixes the monitor URL handed back on job
	// creation.
	PublicBaseURL string

	// InternalAPIKey authenticates execute calls to the backend
	// services. Empty means calls go out unauthenticated.
	InternalAPIKey string

	// PriorityAPIURL is the base URL of the user priority lookup.
	PriorityAPIURL string

	// HTTPConnectTimeout bounds dialling a backend.
	// HTTPReadTimeout caps how long one execute call may take,
	// whatever the per-service timeout says.
	HTTPConnectTimeout time.Duration
	HTTPReadTimeout    time.Duration

	// JobStuckAfter is how long a running job may sit without
	// progress before the sanity check fails it; the check runs every
	// SanityCheckInterval.
	JobStuckAfter       time.Duration
	SanityCheckInterval time.Duration

	// Promotion thresholds: how long a job waits on its queue before
	// moving up a priority class.
	PromoteLowToMediumAfter  time.Duration
	PromoteMediumToHighAfter time.Duration

	// WorkerCount is the number of queue consumers this process runs.
	WorkerCount int

	// LoggingConfig is a loggo specification applied at startup.
	LoggingConfig string

	// ServiceBaseURLs overrides catalog base URLs, keyed by service
	// name.
	ServiceBaseURLs map[string]string
}

// FromEnv builds a Config from the process environment, applying
// defaults for everything unset, and validates it.
func FromEnv() (Config, error) {
	cfg := Config{
		RedisURL:        envString("REDIS_URL", DefaultRedisURL),
		DatabaseURL:     envString("DATABASE_URL", DefaultDatabaseURL),
		APIAddr:         envString("API_ADDR", DefaultAPIAddr),
		PublicBaseURL:   envString("PUBLIC_BASE_URL", DefaultPublicBaseURL),
		InternalAPIKey:  os.Getenv("INTERNAL_API_KEY"),
		PriorityAPIURL:  envString("PRIORITY_API_URL", DefaultPriorityAPIURL),
		LoggingConfig:   envString("LOGGING_CONFIG", DefaultLoggingConfig),
		ServiceBaseURLs: make(map[string]string),
	}

	var err error
	if cfg.HTTPConnectTimeout, err = envSeconds("HTTP_CONNECT_TIMEOUT_S", DefaultHTTPConnectTimeout); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.HTTPReadTimeout, err = envSeconds("HTTP_READ_TIMEOUT_S", DefaultHTTPReadTimeout); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.JobStuckAfter, err = envSeconds("JOB_STUCK_SECONDS", DefaultJobStuckAfter); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.SanityCheckInterval, err = envSeconds("SANITY_CHECK_INTERVAL_SECONDS", DefaultSanityCheckInterval); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.PromoteLowToMediumAfter, err = envSeconds("PROMOTE_LOW_TO_MEDIUM_AFTER", DefaultPromoteLowToMediumAfter); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.PromoteMediumToHighAfter, err = envSeconds("PROMOTE_MEDIUM_TO_HIGH_AFTER", DefaultPromoteMediumToHighAfter); err != nil {
		return Config{}, errors.Trace(err)
	}
	if cfg.WorkerCount, err = envInt("WORKER_COUNT", DefaultWorkerCount); err != nil {
		return Config{}, errors.Trace(err)
	}

	for _, name := range catalog.DefaultServiceNames() {
		if url := os.Getenv(serviceURLVar(name)); url != "" {
			cfg.ServiceBaseURLs[name] = url
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error satisfying errors.NotValid if the
// configuration cannot be used.
func (c Config) Validate() error {
	if c.RedisURL == "" {
		return errors.NotValidf("empty RedisURL")
	}
	if c.DatabaseURL == "" {
		return errors.NotValidf("empty DatabaseURL")
	}
	if c.APIAddr == "" {
		return errors.NotValidf("empty APIAddr")
	}
	if c.PriorityAPIURL == "" {
		return errors.NotValidf("empty PriorityAPIURL")
	}
	if c.HTTPConnectTimeout <= 0 {
		return errors.NotValidf("connect timeout %v", c.HTTPConnectTimeout)
	}
	if c.HTTPReadTimeout <= 0 {
		return errors.NotValidf("read timeout %v", c.HTTPReadTimeout)
	}
	if c.JobStuckAfter <= 0 {
		return errors.NotValidf("job stuck threshold %v", c.JobStuckAfter)
	}
	if c.SanityCheckInterval <= 0 {
		return errors.NotValidf("sanity check interval %v", c.SanityCheckInterval)
	}
	if c.PromoteLowToMediumAfter <= 0 || c.PromoteMediumToHighAfter <= 0 {
		return errors.NotValidf("promotion thresholds %v/%v",
			c.PromoteLowToMediumAfter, c.PromoteMediumToHighAfter)
	}
	if c.WorkerCount <= 0 {
		return errors.NotValidf("worker count %d", c.WorkerCount)
	}
	return nil
}

// Catalog builds the service catalog this configuration describes.
func (c Config) Catalog() (*catalog.Catalog, error) {
	cat, err := catalog.Defaults(catalog.DefaultsArgs{
		APIKey:   c.InternalAPIKey,
		BaseURLs: c.ServiceBaseURLs,
	})
	return cat, errors.Trace(err)
}

func serviceURLVar(service string) string {
	return strings.ToUpper(service) + "_URL"
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NotValidf("$%s %q", name, raw)
	}
	return v, nil
}

// envSeconds reads a (possibly fractional) number of seconds.
func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.NotValidf("$%s %q", name, raw)
	}
	return time.Duration(v * float64(time.Second)), nil
}
