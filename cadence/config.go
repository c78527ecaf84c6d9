package cadence

import (
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/copytext"
	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/cadence/internal/recycle"
)

// Config configures the cadence service.
type Config struct {
	// Queue is the vtq queue name of delivery jobs.
	Queue string
	// PollInterval between queue claims.
	PollInterval time.Duration
	// Visibility is how long a claimed delivery job stays hidden; it must
	// cover a publisher call.
	Visibility time.Duration
	// BatchSize and Concurrency bound the delivery workers.
	BatchSize   int
	Concurrency int

	// StaleAfter is the default lateness for StalePosts.
	StaleAfter time.Duration

	// ReloadInterval is how often the scheduling config and publisher
	// routes are checked for changes.
	ReloadInterval time.Duration

	// HousekeepingInterval and Retention drive the purge of finished queue
	// rows and old business events.
	HousekeepingInterval time.Duration
	Retention            time.Duration

	// RecycleInterval runs RecycleDue periodically. 0 disables the sweep.
	RecycleInterval time.Duration
	// RecycleBatch caps the articles recycled per sweep.
	RecycleBatch int
	// RecyclePlatforms receive recycled posts. Default: all platforms.
	RecyclePlatforms []Platform

	// Eligibility overrides the recycling thresholds.
	Eligibility recycle.Criteria
	// Tracking sets the UTM parameters appended to article links.
	Tracking copytext.Options

	// SeedConfig seeds the scheduling config on first start. Nil uses the
	// built-in defaults.
	SeedConfig *model.SchedulingConfig
}

func (c *Config) defaults() {
	if c.Queue == "" {
		c.Queue = "cadence_posts"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 5 * time.Second
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.RecycleBatch <= 0 {
		c.RecycleBatch = 10
	}
	if len(c.RecyclePlatforms) == 0 {
		c.RecyclePlatforms = append([]Platform(nil), model.Platforms...)
	}
}
