// Package slot finds collision-free publish slots inside allowed traffic
// windows.
//
// Candidates are enumerated at a fixed stride from a start instant. A
// candidate collides when an already scheduled or processing post on the same
// platform sits strictly closer than the collision window. Collision
// avoidance is best effort: two concurrent searches may pick the same slot.
package slot

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/cadence/internal/timewindow"
)

// Lookup returns the ScheduledAt of every scheduled or processing post on a
// platform within [from, to].
type Lookup interface {
	ScheduledTimes(ctx context.Context, p model.Platform, from, to time.Time) ([]time.Time, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, p model.Platform, from, to time.Time) ([]time.Time, error)

// ScheduledTimes implements Lookup.
func (f LookupFunc) ScheduledTimes(ctx context.Context, p model.Platform, from, to time.Time) ([]time.Time, error) {
	return f(ctx, p, from, to)
}

// Result is the chosen slot.
type Result struct {
	Time   time.Time
	Window model.TimeWindow
	// Alternatives are in-window candidates rejected for colliding.
	Alternatives []time.Time
	// Degraded is set when no free in-window slot existed within the horizon
	// and Time is a best-effort pick.
	Degraded bool
}

// Search horizons used by FindNextOptimalSlot, per window.
var optimalHorizons = []struct {
	window  model.TimeWindow
	horizon time.Duration
}{
	{model.Peak, 15 * time.Minute},
	{model.Moderate, 30 * time.Minute},
	{model.Low, 60 * time.Minute},
}

// Finder searches slots for one scheduling config.
type Finder struct {
	lookup     Lookup
	cfg        *model.SchedulingConfig
	classifier *timewindow.Classifier
	now        model.Clock
}

// New creates a Finder. A nil cfg uses the defaults; a nil clock the wall clock.
func New(lookup Lookup, cfg *model.SchedulingConfig, now model.Clock) *Finder {
	if cfg == nil {
		cfg = model.DefaultSchedulingConfig()
	}
	if now == nil {
		now = model.SystemClock
	}
	return &Finder{
		lookup:     lookup,
		cfg:        cfg,
		classifier: timewindow.New(cfg),
		now:        now,
	}
}

// Classifier exposes the classifier built from the finder's config.
func (f *Finder) Classifier() *timewindow.Classifier { return f.classifier }

// FindNextAvailableSlot scans candidates from start through start+horizon
// and returns the first one that is inside an allowed window and free of
// collisions. When the horizon is exhausted it degrades to the last
// in-window candidate examined (collision or not), or, if no candidate was
// in-window at all, to the last candidate examined.
func (f *Finder) FindNextAvailableSlot(ctx context.Context, start time.Time, p model.Platform, allowed []model.TimeWindow, horizon time.Duration) (*Result, error) {
	stride := f.cfg.SlotStride()
	collision := f.cfg.CollisionWindow()
	end := start.Add(horizon)

	existing, err := f.lookup.ScheduledTimes(ctx, p, start.Add(-collision), end.Add(collision))
	if err != nil {
		return nil, fmt.Errorf("slot: lookup %s schedule: %w", p, err)
	}

	alternatives := []time.Time{}
	var (
		last             time.Time
		lastInWindow     time.Time
		lastInWindowKind model.TimeWindow
		sawInWindow      bool
	)

	for c := start; !c.After(end); c = c.Add(stride) {
		last = c
		w := f.classifier.Classify(c, p)
		if !contains(allowed, w) {
			continue
		}
		if collides(existing, c, collision) {
			alternatives = append(alternatives, c)
			lastInWindow, lastInWindowKind, sawInWindow = c, w, true
			continue
		}
		return &Result{Time: c, Window: w, Alternatives: alternatives}, nil
	}

	if sawInWindow {
		return &Result{Time: lastInWindow, Window: lastInWindowKind, Alternatives: alternatives, Degraded: true}, nil
	}
	return &Result{Time: last, Window: f.classifier.Classify(last, p), Alternatives: alternatives, Degraded: true}, nil
}

// FindNextOptimalSlot tries peak, then moderate, then low (restricted to
// allowed), walking each configured rule in order from now. The first free
// slot wins. If every attempt degraded, the first degraded slot is returned.
// With no applicable rules it falls back to now+1h tagged moderate.
func (f *Finder) FindNextOptimalSlot(ctx context.Context, p model.Platform, allowed []model.TimeWindow) (*Result, error) {
	now := f.now()
	pw := f.cfg.Windows[p]
	loc := f.classifier.Location()

	alternatives := []time.Time{}
	var firstDegraded *Result

	for _, oh := range optimalHorizons {
		if !contains(allowed, oh.window) {
			continue
		}
		for _, rule := range pw.Rules(oh.window) {
			start := timewindow.NextMatchingTime(now, rule, loc)
			res, err := f.FindNextAvailableSlot(ctx, start, p, []model.TimeWindow{oh.window}, oh.horizon)
			if err != nil {
				return nil, err
			}
			alternatives = append(alternatives, res.Alternatives...)
			if !res.Degraded {
				res.Alternatives = alternatives
				return res, nil
			}
			if firstDegraded == nil {
				firstDegraded = res
			}
		}
	}

	if firstDegraded != nil {
		firstDegraded.Alternatives = alternatives
		return firstDegraded, nil
	}
	return &Result{
		Time:         now.Add(time.Hour),
		Window:       model.Moderate,
		Alternatives: alternatives,
		Degraded:     true,
	}, nil
}

func contains(ws []model.TimeWindow, w model.TimeWindow) bool {
	for _, x := range ws {
		if x == w {
			return true
		}
	}
	return false
}

func collides(existing []time.Time, c time.Time, window time.Duration) bool {
	for _, e := range existing {
		d := e.Sub(c)
		if d < 0 {
			d = -d
		}
		if d < window {
			return true
		}
	}
	return false
}
