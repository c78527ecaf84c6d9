// Package scheduler turns a (content type, platform) pair into a publish time.
//
// The content type is the only dispatch key:
//
//	breaking_news        now+2m, peak, immediate
//	normal_news          slot search from now+20m over peak|moderate (30m), quick
//	blog                 optimal slot over peak|moderate, optimal
//	evergreen, recycled  low slot; pushed to now+3h while breaking news is live
//	anything else        now+1h, moderate, fallback
//
// Every result carries a reasoning string and the alternatives rejected for
// collisions so an operator can explain where a post landed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/cadence/cadence/internal/guard"
	"github.com/hazyhaar/cadence/cadence/internal/model"
	"github.com/hazyhaar/cadence/cadence/internal/slot"
)

const (
	breakingDelay   = 2 * time.Minute
	quickDelay      = 20 * time.Minute
	quickHorizon    = 30 * time.Minute
	pauseDelay      = 3 * time.Hour
	pauseHorizon    = 180 * time.Minute
	fallbackDelay   = time.Hour
	reasoningLayout = "Mon 2006-01-02 15:04 MST"
)

// Lookup is the read access the scheduler needs from the post store.
type Lookup interface {
	slot.Lookup
	guard.Lookup
	// CountScheduled counts non-cancelled posts on p with ScheduledAt in [from, to).
	CountScheduled(ctx context.Context, p model.Platform, from, to time.Time) (int, error)
}

// Scheduler computes scheduling results.
type Scheduler struct {
	lookup Lookup
	guard  *guard.Guard
	now    model.Clock
	logger *slog.Logger
}

// New creates a Scheduler. A nil clock uses the wall clock.
func New(lookup Lookup, now model.Clock, logger *slog.Logger) *Scheduler {
	if now == nil {
		now = model.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		lookup: lookup,
		guard:  guard.New(lookup, now),
		now:    now,
		logger: logger,
	}
}

// CalculateOptimalTime picks the publish time for content of type ct on p
// under cfg. A nil cfg uses the defaults. Unsupported platforms are a
// validation error; unrecognised content types take the fallback branch.
func (s *Scheduler) CalculateOptimalTime(ctx context.Context, ct model.ContentType, p model.Platform, cfg *model.SchedulingConfig) (*model.SchedulingResult, error) {
	if !p.Valid() {
		return nil, &model.ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", p)}
	}
	if cfg == nil {
		cfg = model.DefaultSchedulingConfig()
	}

	now := s.now()
	finder := slot.New(s.lookup, cfg, func() time.Time { return now })
	loc := cfg.Location()

	var (
		res  *model.SchedulingResult
		err  error
		pick *slot.Result
	)

	switch ct {
	case model.BreakingNews:
		res = &model.SchedulingResult{
			ScheduledAt: now.Add(breakingDelay),
			Reasoning:   "Breaking news: publishing immediately (+2 min)",
			Metadata: model.SchedulingMetadata{
				Method:        model.MethodImmediate,
				TimeWindow:    model.Peak,
				IsOptimalTime: true,
			},
		}

	case model.NormalNews:
		pick, err = finder.FindNextAvailableSlot(ctx, now.Add(quickDelay), p, []model.TimeWindow{model.Peak, model.Moderate}, quickHorizon)
		if err != nil {
			return nil, err
		}
		res = fromSlot(pick, model.MethodQuick, pick.Window == model.Peak && !pick.Degraded,
			fmt.Sprintf("Normal news: next %s slot on %s after +20 min, %s", pick.Window, p, pick.Time.In(loc).Format(reasoningLayout)))

	case model.Blog:
		pick, err = finder.FindNextOptimalSlot(ctx, p, []model.TimeWindow{model.Peak, model.Moderate})
		if err != nil {
			return nil, err
		}
		res = fromSlot(pick, model.MethodOptimal, !pick.Degraded,
			fmt.Sprintf("Blog: best %s window on %s, %s", pick.Window, p, pick.Time.In(loc).Format(reasoningLayout)))

	case model.Evergreen, model.Recycled:
		pause, why, gerr := s.guard.ShouldPauseEvergreen(ctx, cfg)
		if gerr != nil {
			return nil, gerr
		}
		if pause {
			pick, err = finder.FindNextAvailableSlot(ctx, now.Add(pauseDelay), p, []model.TimeWindow{model.Low}, pauseHorizon)
			if err != nil {
				return nil, err
			}
			res = fromSlot(pick, model.MethodDelayedLow, false,
				fmt.Sprintf("%s content delayed by breaking news (%s): low-traffic slot after +3h, %s", label(ct), why, pick.Time.In(loc).Format(reasoningLayout)))
		} else {
			pick, err = finder.FindNextOptimalSlot(ctx, p, []model.TimeWindow{model.Low})
			if err != nil {
				return nil, err
			}
			res = fromSlot(pick, model.MethodLowTraffic, true,
				fmt.Sprintf("%s content: low-traffic slot on %s to avoid competing with news, %s", label(ct), p, pick.Time.In(loc).Format(reasoningLayout)))
		}

	default:
		res = &model.SchedulingResult{
			ScheduledAt: now.Add(fallbackDelay),
			Reasoning:   fmt.Sprintf("Unrecognized content type %q: fallback to +1h", ct),
			Metadata: model.SchedulingMetadata{
				Method:     model.MethodFallback,
				TimeWindow: model.Moderate,
			},
		}
	}

	res.CalculatedAt = now
	if res.Metadata.AlternativeTimesConsidered == nil {
		res.Metadata.AlternativeTimesConsidered = []time.Time{}
	}
	if pick != nil && pick.Degraded {
		res.Reasoning += fmt.Sprintf("; degraded: no collision-free %s slot within the search horizon", pick.Window)
		s.logger.Debug("scheduler: degraded slot",
			"platform", p, "content_type", ct, "at", pick.Time, "alternatives", len(pick.Alternatives))
	}
	if note := s.frequencyNote(ctx, p, res.ScheduledAt, cfg); note != "" {
		res.Reasoning += "; " + note
	}
	return res, nil
}

func fromSlot(r *slot.Result, m model.Method, optimal bool, reasoning string) *model.SchedulingResult {
	return &model.SchedulingResult{
		ScheduledAt: r.Time,
		Reasoning:   reasoning,
		Metadata: model.SchedulingMetadata{
			Method:                     m,
			TimeWindow:                 r.Window,
			IsOptimalTime:              optimal,
			Degraded:                   r.Degraded,
			AlternativeTimesConsidered: r.Alternatives,
		},
	}
}

// frequencyNote is advisory: a reached daily cap is reported, never enforced.
func (s *Scheduler) frequencyNote(ctx context.Context, p model.Platform, at time.Time, cfg *model.SchedulingConfig) string {
	limit, ok := cfg.Frequency[p]
	if !ok || limit.MaxPostsPerDay <= 0 {
		return ""
	}
	local := at.In(cfg.Location())
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	n, err := s.lookup.CountScheduled(ctx, p, day, day.AddDate(0, 0, 1))
	if err != nil {
		s.logger.Warn("scheduler: frequency count failed", "platform", p, "error", err)
		return ""
	}
	if n < limit.MaxPostsPerDay {
		return ""
	}
	return fmt.Sprintf("daily cap of %d posts on %s already reached (%d scheduled)", limit.MaxPostsPerDay, p, n)
}

func label(ct model.ContentType) string {
	s := string(ct)
	return strings.ToUpper(s[:1]) + s[1:]
}
