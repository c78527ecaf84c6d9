// Package guard decides when evergreen and recycled publication should step
// aside for breaking news.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
)

// Lookup reads breaking-news activity around now.
type Lookup interface {
	// PublishedBreaking counts breaking-news articles and posts published in [from, to].
	PublishedBreaking(ctx context.Context, from, to time.Time) (int, error)
	// UpcomingBreaking counts breaking-news posts scheduled or processing with
	// ScheduledAt in [from, to].
	UpcomingBreaking(ctx context.Context, from, to time.Time) (int, error)
}

// Guard evaluates the breaking-news pause.
type Guard struct {
	lookup Lookup
	now    model.Clock
}

// New creates a Guard. A nil clock uses the wall clock.
func New(lookup Lookup, now model.Clock) *Guard {
	if now == nil {
		now = model.SystemClock
	}
	return &Guard{lookup: lookup, now: now}
}

// ShouldPauseEvergreen reports whether breaking news was published within
// the configured window before now, or is due within the same window after
// now. The returned reason is empty when there is no pause.
func (g *Guard) ShouldPauseEvergreen(ctx context.Context, cfg *model.SchedulingConfig) (bool, string, error) {
	if cfg == nil {
		cfg = model.DefaultSchedulingConfig()
	}
	now := g.now()
	window := cfg.BreakingNewsWindow()

	n, err := g.lookup.PublishedBreaking(ctx, now.Add(-window), now)
	if err != nil {
		return false, "", fmt.Errorf("guard: recent breaking news: %w", err)
	}
	if n > 0 {
		return true, fmt.Sprintf("%d breaking news item(s) published in the last %s", n, window), nil
	}

	n, err = g.lookup.UpcomingBreaking(ctx, now, now.Add(window))
	if err != nil {
		return false, "", fmt.Errorf("guard: upcoming breaking news: %w", err)
	}
	if n > 0 {
		return true, fmt.Sprintf("%d breaking news post(s) scheduled in the next %s", n, window), nil
	}
	return false, "", nil
}
