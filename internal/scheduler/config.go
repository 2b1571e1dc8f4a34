package scheduler

import (
	"time"

	"github.com/smallbiznis/claudeauth/internal/config"
)

// Config controls sweep cadence and batch sizes.
type Config struct {
	RunInterval time.Duration
	// RefreshWindow selects tokens expiring within this long of now.
	RefreshWindow time.Duration
	BatchSize     int
	JobTimeout    time.Duration
	AutoRefresh   bool
	EnabledJobs   []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   time.Minute,
		RefreshWindow: 10 * time.Minute,
		BatchSize:     100,
		JobTimeout:    45 * time.Second,
		AutoRefresh:   true,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   cfg.Sweep.Interval,
		RefreshWindow: cfg.Sweep.Window,
		AutoRefresh:   cfg.Claude.AutoRefresh,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = defaults.RefreshWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
